package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/router/internal/common/logger"
)

func newTestRouter(t *testing.T, tokenHash string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, Config{TokenHash: tokenHash}, Deps{}, logger.Default())
	return r
}

func TestHealthzNeedsNoToken(t *testing.T) {
	r := newTestRouter(t, "")
	req := httptest.NewRequest(http.MethodGet, "/internal/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatsRejectsMissingToken(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)
	r := newTestRouter(t, hash)

	req := httptest.NewRequest(http.MethodGet, "/internal/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatsRejectsWrongToken(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)
	r := newTestRouter(t, hash)

	req := httptest.NewRequest(http.MethodGet, "/internal/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatsAcceptsCorrectToken(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)
	r := newTestRouter(t, hash)

	req := httptest.NewRequest(http.MethodGet, "/internal/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatsRejectsWhenNoTokenConfigured(t *testing.T) {
	r := newTestRouter(t, "")
	req := httptest.NewRequest(http.MethodGet, "/internal/stats", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMarkReviewedRouteAbsentWithoutAuditMirror(t *testing.T) {
	r := newTestRouter(t, "")
	req := httptest.NewRequest(http.MethodPost, "/internal/audit/1/reviewed", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
