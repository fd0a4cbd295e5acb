package api

import (
	"net/http"

	"stv/longvideo/internal/model"

	"github.com/gin-gonic/gin"
)

func (s *Server) clientBootstrap(c *gin.Context) {
	writeData(c, http.StatusOK, gin.H{
		"owner_id": ownerIDFromContext(c),
		"limits": gin.H{
			"min_duration_minutes":     model.MinDurationMinutes,
			"max_duration_minutes":     model.MaxDurationMinutes,
			"segment_duration_seconds": model.SegmentDurationSeconds,
		},
		"defaults": gin.H{
			"mode":    model.ModeFast,
			"volumes": model.DefaultVolumes(),
		},
		"polling": gin.H{
			"interval_ms": 2500,
		},
		"sse": gin.H{
			"heartbeat_sec": 15,
			"retry_ms":      2000,
		},
	})
}
