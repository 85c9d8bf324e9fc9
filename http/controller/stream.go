package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tnqbao/gau-forge/progress"
)

const (
	eventProgress  = "progress"
	eventHeartbeat = "heartbeat"
)

type heartbeat struct {
	JobID     uuid.UUID `json:"job_id"`
	Timestamp int64     `json:"timestamp"`
}

// emitFunc delivers one stream event; an error ends the stream
type emitFunc func(event string, data interface{}) error

func (ctrl *Controller) pollInterval() time.Duration {
	if d := ctrl.Config.EnvConfig.Stream.PollInterval; d > 0 {
		return d
	}
	return time.Second
}

// latest reads the live snapshot. Once it has expired, a terminal job is
// reported from its record so the stream can still end.
func (ctrl *Controller) latest(ctx context.Context, jobID uuid.UUID) *progress.Snapshot {
	snapshot, err := ctrl.Orchestrator.Publisher.Read(ctx, jobID)
	if err != nil {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Stream] Failed to read progress of job %s: %v", jobID, err)
		return nil
	}
	if snapshot != nil {
		return snapshot
	}
	job, err := ctrl.Repository.JobRepo.FindByID(jobID)
	if err != nil || !job.Status.Terminal() {
		return nil
	}
	s := progress.SnapshotOf(job, string(job.Status))
	return &s
}

// watchProgress polls the publisher and emits a progress event whenever the
// snapshot changed and a heartbeat otherwise. It returns after emitting a
// terminal snapshot, when ctx ends, or when emit fails.
func (ctrl *Controller) watchProgress(ctx context.Context, jobID uuid.UUID, emit emitFunc) error {
	ticker := time.NewTicker(ctrl.pollInterval())
	defer ticker.Stop()

	var last *progress.Snapshot
	for {
		current := ctrl.latest(ctx, jobID)
		var err error
		if current != nil && (last == nil || !current.Equal(*last)) {
			err = emit(eventProgress, current)
			last = current
		} else {
			err = emit(eventHeartbeat, heartbeat{JobID: jobID, Timestamp: time.Now().Unix()})
		}
		if err != nil {
			return err
		}
		if current != nil && current.Status.Terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StreamJobProgress serves progress as server-sent events
func (ctrl *Controller) StreamJobProgress(c *gin.Context) {
	ctx := c.Request.Context()
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	if _, err := ctrl.Repository.JobRepo.FindByID(jobID); err != nil {
		ctrl.respondError(c, err, "Stream", "stream job progress")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctrl.Infra.Logger.DebugWithContextf(ctx, "[Stream] SSE client attached to job %s", jobID)
	_ = ctrl.watchProgress(ctx, jobID, func(event string, data interface{}) error {
		c.SSEvent(event, data)
		c.Writer.Flush()
		return ctx.Err()
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are enforced by the CORS middleware and the token
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// StreamJobProgressWS serves the same events over a WebSocket
func (ctrl *Controller) StreamJobProgressWS(c *gin.Context) {
	ctx := c.Request.Context()
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	if _, err := ctrl.Repository.JobRepo.FindByID(jobID); err != nil {
		ctrl.respondError(c, err, "Stream", "stream job progress")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Stream] WebSocket upgrade failed for job %s: %v", jobID, err)
		return
	}
	defer conn.Close()

	// the reader only notices the client going away
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = ctrl.watchProgress(ctx, jobID, func(event string, data interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(wsMessage{Event: event, Data: data})
	})
	if err == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
			time.Now().Add(time.Second))
	}
}
