package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-sync-service/service/models"
	"mes-sync-service/service/utils"
)

const testAPIKey = "plain-api-key"

// newAuthCaptureServer 返回记录Authorization头的测试服务端
func newAuthCaptureServer(t *testing.T) (*httptest.Server, *string) {
	var captured string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestRESTAdapterDecryptsAPIKey(t *testing.T) {
	srv, captured := newAuthCaptureServer(t)
	crypto := utils.NewCryptoUtils("test-passphrase")

	// 按落库口径加密凭据
	encrypted, err := crypto.EncryptMarked(testAPIKey)
	require.NoError(t, err)

	registry := NewRegistry()
	RegisterDefaults(registry, crypto)
	erpAdapter, err := registry.Create(&models.Integration{
		SystemKind: SystemKindGenericREST,
		ConnectionConfig: models.JSONB{
			"base_url": srv.URL,
			"api_key":  encrypted,
		},
	})
	require.NoError(t, err)

	_, err = erpAdapter.FetchRecords(context.Background(), "material", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+testAPIKey, *captured, "出站请求必须携带解密后的凭据")
}

func TestRESTAdapterPlaintextKeyPassthrough(t *testing.T) {
	srv, captured := newAuthCaptureServer(t)

	// 无密文标记的值视为明文，环境变量直配的本地侧走这条路径
	erpAdapter, err := NewRESTAdapter(&models.Integration{
		ConnectionConfig: models.JSONB{
			"base_url": srv.URL,
			"api_key":  testAPIKey,
		},
	}, utils.NewCryptoUtils("test-passphrase"))
	require.NoError(t, err)

	_, err = erpAdapter.FetchRecords(context.Background(), "material", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+testAPIKey, *captured)
}

func TestRESTAdapterMissingBaseURL(t *testing.T) {
	_, err := NewRESTAdapter(&models.Integration{
		ConnectionConfig: models.JSONB{"api_key": testAPIKey},
	}, nil)
	require.Error(t, err)
}
