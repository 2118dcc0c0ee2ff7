package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cu := NewCryptoUtils("test-passphrase")

	plaintext := "erp-api-key-机密"
	encrypted, err := cu.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, encrypted)

	decrypted, err := cu.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	// 不同口令派生的密钥无法解密出原文
	other := NewCryptoUtils("other-passphrase")
	wrong, err := other.Decrypt(encrypted)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, wrong)
}

func TestEncryptMarkedRoundTrip(t *testing.T) {
	cu := NewCryptoUtils("test-passphrase")

	marked, err := cu.EncryptMarked("erp-api-key")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(marked))

	decrypted, err := cu.DecryptMarked(marked)
	require.NoError(t, err)
	assert.Equal(t, "erp-api-key", decrypted)

	// 无标记的明文原样透传
	plain, err := cu.DecryptMarked("plain-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", plain)
	assert.False(t, IsEncrypted("plain-value"))
}

func TestDecryptInvalidInput(t *testing.T) {
	cu := NewCryptoUtils("test-passphrase")

	_, err := cu.Decrypt("not-base64!!!")
	require.Error(t, err)

	_, err = cu.Decrypt("c2hvcnQ=") // 短于IV长度
	require.Error(t, err)
}

func TestHMACSignAndVerify(t *testing.T) {
	payload := []byte(`{"eventType":"discrepancy.created"}`)

	signature := SignHMACSHA256(payload, "secret-1")
	assert.True(t, VerifyHMACSHA256(payload, "secret-1", signature))
	assert.False(t, VerifyHMACSHA256(payload, "secret-2", signature))
	assert.False(t, VerifyHMACSHA256([]byte("tampered"), "secret-1", signature))
}

func TestGenerateSecret(t *testing.T) {
	first, err := GenerateSecret(32)
	require.NoError(t, err)
	assert.Len(t, first, 64, "hex编码后长度翻倍")

	second, err := GenerateSecret(32)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	fallback, err := GenerateSecret(0)
	require.NoError(t, err)
	assert.Len(t, fallback, 64)
}

func TestToDisplayString(t *testing.T) {
	assert.Equal(t, "", ToDisplayString(nil))
	assert.Equal(t, "5", ToDisplayString(5))
	assert.Equal(t, "5", ToDisplayString(5.0), "浮点尾随零归一")
	assert.Equal(t, "5.25", ToDisplayString(5.25))
	assert.Equal(t, "PN-1", ToDisplayString("PN-1"))
	assert.Equal(t, "true", ToDisplayString(true))
}
