package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newAuthRig(t *testing.T, secret string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin/ping", AdminAuthMiddleware(secret), func(c *gin.Context) {
		operator, _ := c.Get("operator_id")
		c.JSON(http.StatusOK, gin.H{"operator_id": operator})
	})
	return r
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func doRequest(r *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminAuth_ValidToken(t *testing.T) {
	r := newAuthRig(t, testSecret)
	w := doRequest(r, "Bearer "+signToken(t, testSecret, "op-1"))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "op-1")
}

func TestAdminAuth_MissingToken(t *testing.T) {
	r := newAuthRig(t, testSecret)
	w := doRequest(r, "")

	require.Contains(t, w.Body.String(), "missing bearer token")
	require.NotContains(t, w.Body.String(), "operator_id")
}

func TestAdminAuth_WrongSecret(t *testing.T) {
	r := newAuthRig(t, testSecret)
	w := doRequest(r, "Bearer "+signToken(t, "other-secret", "op-1"))

	require.Contains(t, w.Body.String(), "invalid token")
}

func TestAdminAuth_ExpiredToken(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "op-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	r := newAuthRig(t, testSecret)
	w := doRequest(r, "Bearer "+signed)
	require.Contains(t, w.Body.String(), "invalid token")
}

func TestAdminAuth_NoSecretConfigured(t *testing.T) {
	r := newAuthRig(t, "")
	w := doRequest(r, "Bearer "+signToken(t, testSecret, "op-1"))

	require.Contains(t, w.Body.String(), "admin auth not configured")
}
