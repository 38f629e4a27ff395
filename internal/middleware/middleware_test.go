package middleware

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federated-storage/storage-market/internal/p2p"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func signedRequest(t *testing.T, id *p2p.Identity, method, path string, ts int64, body []byte) *http.Request {
	t.Helper()
	sig, err := id.SignRequest(method, path, ts, body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(p2p.HeaderPeerID, id.String())
	req.Header.Set(p2p.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(p2p.HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return req
}

func TestPeerAuthMiddleware(t *testing.T) {
	id, err := p2p.GenerateIdentity()
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)

	router := gin.New()
	router.POST("/echo", PeerAuthMiddleware(time.Minute, func() time.Time { return now }), func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.JSON(http.StatusOK, gin.H{"peer": GetPeerID(c), "body": string(body)})
	})

	body := []byte(`{"hello":"world"}`)
	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{
			name:   "valid",
			req:    func() *http.Request { return signedRequest(t, id, "POST", "/echo", now.Unix(), body) },
			status: http.StatusOK,
		},
		{
			name:   "missing headers",
			req:    func() *http.Request { return httptest.NewRequest("POST", "/echo", bytes.NewReader(body)) },
			status: http.StatusUnauthorized,
		},
		{
			name:   "stale",
			req:    func() *http.Request { return signedRequest(t, id, "POST", "/echo", now.Add(-2*time.Minute).Unix(), body) },
			status: http.StatusUnauthorized,
		},
		{
			name: "body swapped",
			req: func() *http.Request {
				req := signedRequest(t, id, "POST", "/echo", now.Unix(), body)
				req.Body = io.NopCloser(bytes.NewReader([]byte(`{}`)))
				return req
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "bad signature encoding",
			req: func() *http.Request {
				req := signedRequest(t, id, "POST", "/echo", now.Unix(), body)
				req.Header.Set(p2p.HeaderSignature, "!!!")
				return req
			},
			status: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, tt.req())
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), id.String())
				assert.Contains(t, w.Body.String(), `{\"hello\":\"world\"}`)
			}
		})
	}
}

func TestJWTMiddleware(t *testing.T) {
	cfg := JWTConfig{Secret: "test-secret", Expiration: time.Hour}

	router := gin.New()
	router.GET("/admin", JWTMiddleware(cfg.Secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": GetAdmin(c)})
	})

	valid, err := GenerateToken("12D3KooWadmin", cfg)
	require.NoError(t, err)
	expired, err := GenerateToken("12D3KooWadmin", JWTConfig{Secret: cfg.Secret, Expiration: -time.Hour})
	require.NoError(t, err)
	wrongKey, err := GenerateToken("12D3KooWadmin", JWTConfig{Secret: "other", Expiration: time.Hour})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid", header: "Bearer " + valid, status: http.StatusOK},
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + valid, status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + wrongKey, status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), "12D3KooWadmin")
			}
		})
	}
}
