/*
 * @module service/utils/crypto_utils
 * @description 加密工具模块，负责集成连接配置的敏感字段加密和Webhook载荷签名
 * @architecture 加密工具集模式
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.6节
 * @stateFlow 无状态：明文 -> 加密 -> 密文 / 载荷+密钥 -> HMAC签名
 * @rules
 *   - AES密钥通过PBKDF2从口令派生
 *   - 签名使用标准crypto/hmac，验证必须恒定时间比较
 * @dependencies crypto/*, golang.org/x/crypto/pbkdf2
 * @refs service/webhook, service/models/integration.go
 */

package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 10000
	keyLength     = 32 // AES-256
)

// 密文标记前缀，区分落库的密文和外部直写的明文
const encryptedPrefix = "enc:v1:"

// CryptoUtils 加密工具
type CryptoUtils struct {
	defaultKey []byte
}

// NewCryptoUtils 创建加密工具实例，密钥由口令经PBKDF2派生
func NewCryptoUtils(passphrase string) *CryptoUtils {
	if passphrase == "" {
		passphrase = "mes-sync-default-passphrase"
	}
	return &CryptoUtils{
		defaultKey: DeriveKey(passphrase, "mes-sync-service"),
	}
}

// DeriveKey 从口令和盐派生AES-256密钥
func DeriveKey(passphrase, salt string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), keyIterations, keyLength, sha256.New)
}

// Encrypt AES-CFB加密，返回base64(IV+密文)
func (cu *CryptoUtils) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(cu.defaultKey)
	if err != nil {
		return "", fmt.Errorf("创建AES块失败: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("生成IV失败: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(ciphertext, []byte(plaintext))

	return base64.StdEncoding.EncodeToString(append(iv, ciphertext...)), nil
}

// Decrypt AES-CFB解密
func (cu *CryptoUtils) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("解码base64失败: %w", err)
	}
	if len(data) < aes.BlockSize {
		return "", fmt.Errorf("密文长度不足")
	}

	block, err := aes.NewCipher(cu.defaultKey)
	if err != nil {
		return "", fmt.Errorf("创建AES块失败: %w", err)
	}

	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(plaintext, ciphertext)

	return string(plaintext), nil
}

// IsEncrypted 判断值是否携带密文标记
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}

// EncryptMarked 加密并附加密文标记前缀
func (cu *CryptoUtils) EncryptMarked(plaintext string) (string, error) {
	encrypted, err := cu.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return encryptedPrefix + encrypted, nil
}

// DecryptMarked 解密携带标记的密文；无标记的值视为明文原样返回
func (cu *CryptoUtils) DecryptMarked(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	return cu.Decrypt(strings.TrimPrefix(value, encryptedPrefix))
}

// SignHMACSHA256 计算载荷的HMAC-SHA256签名（hex编码）
func SignHMACSHA256(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256 恒定时间验证签名
func VerifyHMACSHA256(payload []byte, secret, signature string) bool {
	expected := SignHMACSHA256(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// GenerateSecret 生成随机密钥字符串
func GenerateSecret(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成密钥失败: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
