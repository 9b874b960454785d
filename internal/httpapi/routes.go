// Package httpapi is the small ops HTTP surface: liveness, readiness,
// and an internal-counters snapshot for operator dashboards. It is not
// the chat command surface and exposes no market data.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Snapshot is a point-in-time read of the counters operators care
// about: how lossy the book feeds have been, how many walls are
// currently tracked, and how the alert pipeline is coping.
type Snapshot struct {
	StaleDiffDrops        int64 `json:"stale_diff_drops"`
	SequencingViolations  int64 `json:"sequencing_violations"`
	OpenWalls             int   `json:"open_walls"`
	AlertsSent            int64 `json:"alerts_sent"`
	AlertsFailed          int64 `json:"alerts_failed"`
	AlertsDroppedDup      int64 `json:"alerts_dropped_dup"`
	AlertsDroppedOverflow int64 `json:"alerts_dropped_overflow"`
}

// ReadyFunc reports whether the process is ready to serve, i.e. both
// order books have completed cold start.
type ReadyFunc func() bool

// SnapshotFunc produces the current Snapshot.
type SnapshotFunc func() Snapshot

// Register wires /healthz, /readyz and /metrics onto rg, which may be a
// *gin.Engine or a *gin.RouterGroup.
func Register(rg gin.IRouter, ready ReadyFunc, snap SnapshotFunc) {
	rg.GET("/healthz", healthz)
	rg.GET("/readyz", readyz(ready))
	rg.GET("/metrics", metrics(snap))
}

func healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func readyz(ready ReadyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true})
	}
}

func metrics(snap SnapshotFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, snap())
	}
}
