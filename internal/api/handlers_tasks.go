package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stv/longvideo/internal/model"
	"stv/longvideo/internal/segment"
	"stv/longvideo/internal/task"

	"github.com/gin-gonic/gin"
)

func (s *Server) createTask(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var cfg model.TaskConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid task payload", false, nil)
		return
	}
	created, err := s.tasks.CreateTask(c.Request.Context(), ownerIDFromContext(c), c.GetHeader("Idempotency-Key"), cfg)
	if err != nil {
		writeServiceError(c, err, "TASK_NOT_FOUND")
		return
	}
	writeData(c, http.StatusCreated, gin.H{
		"task_id":        created.ID,
		"total_segments": created.TotalSegments,
		"total_batches":  created.TotalBatches,
		"task":           created,
	})
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.tasks.ListTasks(c.Request.Context(), ownerIDFromContext(c))
	if err != nil {
		writeServiceError(c, err, "TASK_NOT_FOUND")
		return
	}
	writeData(c, http.StatusOK, gin.H{"items": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	view, err := s.tasks.GetStatus(c.Request.Context(), ownerIDFromContext(c), c.Param("task_id"))
	if err != nil {
		writeServiceError(c, err, "TASK_NOT_FOUND")
		return
	}
	writeData(c, http.StatusOK, view)
}

func (s *Server) cancelTask(c *gin.Context) {
	t, err := s.tasks.Cancel(c.Request.Context(), ownerIDFromContext(c), c.Param("task_id"))
	if err != nil {
		writeServiceError(c, err, "TASK_NOT_FOUND")
		return
	}
	writeData(c, http.StatusOK, t)
}

type regenerateRequest struct {
	Prompt       string `json:"prompt"`
	Narration    string `json:"narration"`
	VoiceActorID string `json:"voice_actor_id"`
}

func (s *Server) regenerateSegment(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	segmentID, err := strconv.Atoi(c.Param("segment_id"))
	if err != nil || segmentID < 1 {
		writeError(c, http.StatusBadRequest, "INVALID_SEGMENT_ID", "segment_id must be a positive integer", false, nil)
		return
	}
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid regenerate payload", false, nil)
		return
	}
	seg, err := s.tasks.RegenerateSegment(c.Request.Context(), ownerIDFromContext(c), c.Param("task_id"), segmentID, segment.Overrides{
		Prompt:       req.Prompt,
		Narration:    req.Narration,
		VoiceActorID: req.VoiceActorID,
	})
	if err != nil {
		writeServiceError(c, err, "SEGMENT_NOT_FOUND")
		return
	}
	writeData(c, http.StatusAccepted, seg)
}

type mergeRequest struct {
	NarrationVolume *float64                `json:"narration_volume"`
	BGMVolume       *float64                `json:"bgm_volume"`
	VideoVolume     *float64                `json:"video_volume"`
	Subtitles       *model.SubtitleSettings `json:"subtitles"`
	BGMURL          *string                 `json:"bgm_url"`
}

func (s *Server) mergeTask(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid merge payload", false, nil)
		return
	}
	ctx := c.Request.Context()
	owner := ownerIDFromContext(c)
	taskID := c.Param("task_id")

	in := task.MergeRequest{Subtitles: req.Subtitles, BGMURL: req.BGMURL}
	if req.NarrationVolume != nil || req.BGMVolume != nil || req.VideoVolume != nil {
		view, err := s.tasks.GetStatus(ctx, owner, taskID)
		if err != nil {
			writeServiceError(c, err, "TASK_NOT_FOUND")
			return
		}
		vol := view.Task.Config.Volumes
		if req.NarrationVolume != nil {
			vol.Narration = *req.NarrationVolume
		}
		if req.BGMVolume != nil {
			vol.BGM = *req.BGMVolume
		}
		if req.VideoVolume != nil {
			vol.Video = *req.VideoVolume
		}
		in.Volumes = &vol
	}

	res, err := s.tasks.Merge(ctx, owner, taskID, in)
	if err != nil {
		writeServiceError(c, err, "TASK_NOT_FOUND")
		return
	}
	writeData(c, http.StatusOK, res)
}

// streamTaskEvents replays the event log after Last-Event-ID (or from_seq) and then
// follows live events. types=a,b limits the stream to those event types. Whenever the
// live feed skips a sequence number or the hub reports dropped events, the gap is
// filled from the event log so clients see every event once and in order.
func (s *Server) streamTaskEvents(c *gin.Context) {
	ctx := c.Request.Context()
	owner := ownerIDFromContext(c)
	taskID := c.Param("task_id")

	fromSeq := parseLastEventSeq(c.GetHeader("Last-Event-ID"))
	if q := c.Query("from_seq"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			fromSeq = v
		}
	}

	// subscribe before reading the backlog so nothing falls between the two
	sub, unsubscribe := s.hub.Subscribe(taskID, s.sseBuffer, parseEventTypes(c.Query("types"))...)
	defer unsubscribe()
	backlog, err := s.tasks.ListEventsFrom(ctx, owner, taskID, fromSeq)
	if err != nil {
		writeServiceError(c, err, "TASK_NOT_FOUND")
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "SSE_UNSUPPORTED", "Streaming unsupported", false, nil)
		return
	}

	lastSeq := fromSeq
	emit := func(evts []model.TaskEvent) {
		for _, evt := range evts {
			if evt.Seq <= lastSeq {
				continue
			}
			if sub.Wants(evt.Type) {
				writeSSE(c, evt)
			}
			lastSeq = evt.Seq
		}
	}
	catchUp := func() bool {
		missed, err := s.tasks.ListEventsFrom(ctx, owner, taskID, lastSeq)
		if err != nil {
			s.log.Warn("sse_catch_up_failed", "task_id", taskID, "error", err)
			return false
		}
		emit(missed)
		return true
	}

	emit(backlog)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			if evt.Seq == lastSeq+1 {
				emit([]model.TaskEvent{evt})
			} else if !catchUp() {
				return
			}
			flusher.Flush()
		case <-sub.Lagged():
			s.log.Debug("sse_lagged", "task_id", taskID, "dropped", sub.TakeDropped())
			if !catchUp() {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

func parseEventTypes(raw string) []model.TaskEventType {
	var out []model.TaskEventType
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, model.TaskEventType(part))
		}
	}
	return out
}

func writeSSE(c *gin.Context, evt model.TaskEvent) {
	payload, _ := json.Marshal(evt)
	fmt.Fprintf(c.Writer, "id: %d\n", evt.Seq)
	fmt.Fprintf(c.Writer, "event: %s\n", evt.Type)
	fmt.Fprintf(c.Writer, "data: %s\n\n", string(payload))
}

func parseLastEventSeq(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
