package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestRouter(ready ReadyFunc, snap SnapshotFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	Register(r, ready, snap)
	return r
}

func TestHealthzAlwaysOK(t *testing.T) {
	r := newTestRouter(func() bool { return false }, func() Snapshot { return Snapshot{} })
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzReflectsReadyFunc(t *testing.T) {
	ready := false
	r := newTestRouter(func() bool { return ready }, func() Snapshot { return Snapshot{} })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready = true
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsReturnsSnapshotJSON(t *testing.T) {
	r := newTestRouter(func() bool { return true }, func() Snapshot {
		return Snapshot{OpenWalls: 3, AlertsSent: 10}
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"stale_diff_drops":0,"sequencing_violations":0,"open_walls":3,"alerts_sent":10,"alerts_failed":0,"alerts_dropped_dup":0,"alerts_dropped_overflow":0}`, w.Body.String())
}
