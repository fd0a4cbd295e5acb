package api

import (
	"errors"
	"net/http"

	"stv/longvideo/internal/merge"
	"stv/longvideo/internal/store"
	"stv/longvideo/internal/task"

	"github.com/gin-gonic/gin"
)

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"data":     data,
		"trace_id": traceIDFromContext(c),
	})
}

func writeError(c *gin.Context, status int, code, message string, retryable bool, details map[string]any) {
	c.JSON(status, gin.H{
		"error": APIError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
		"trace_id": traceIDFromContext(c),
	})
}

func writeUnauthorized(c *gin.Context) {
	writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", false, nil)
}

// writeServiceError maps task service errors onto the error envelope.
func writeServiceError(c *gin.Context, err error, notFoundCode string) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(), false, map[string]any{
			"field":  verr.Field,
			"reason": verr.Reason,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(c, http.StatusNotFound, notFoundCode, "Not found", false, nil)
	case errors.Is(err, task.ErrForbidden):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "No access to task", false, nil)
	case errors.Is(err, task.ErrSegmentBusy):
		writeError(c, http.StatusConflict, "SEGMENT_BUSY", "Segment is being generated", true, nil)
	case errors.Is(err, task.ErrInvalidTaskState):
		writeError(c, http.StatusConflict, "INVALID_TASK_STATE", "Task is not in a state that allows this", true, nil)
	case errors.Is(err, merge.ErrNoSegments):
		writeError(c, http.StatusUnprocessableEntity, "NO_SEGMENTS", "No completed segment is available to merge", false, nil)
	case errors.Is(err, merge.ErrCompositorUnavailable):
		writeError(c, http.StatusServiceUnavailable, "MERGE_UNAVAILABLE", "Merge service unavailable", true, nil)
	default:
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", true, nil)
	}
}
