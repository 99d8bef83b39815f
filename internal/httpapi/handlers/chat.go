package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/llamachat/internal/chat"
	"github.com/suPer8Hu/llamachat/internal/httpapi/common"
	"go.uber.org/zap"
)

type sendMessageReq struct {
	Message string `json:"message" binding:"required"`
}

// SendMessageStream runs a turn and streams it as server-sent events:
// "message" carries the full text of a turn so far, "error" the failure
// annotation, "done" the outcome, and "ping" keeps idle connections open.
// Errors raised before the turn starts are returned as plain JSON instead.
func (h *Handler) SendMessageStream(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return
	}

	ctx := c.Request.Context()
	sink := chat.NewChannelSink(16, ctx.Done())

	type outcome struct {
		res *chat.TurnResult
		err error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := h.Coord.Send(ctx, id, req.Message, sink)
		sink.Close()
		results <- outcome{res, err}
	}()

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		// SSE headers
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
		c.Status(http.StatusOK)
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	writeEvent := func(ev chat.Event) {
		start()
		if ev.Kind == chat.EventError {
			writeJSON("error", gin.H{"turn": ev.Turn, "message": ev.Text})
			return
		}
		writeJSON("message", gin.H{"turn": ev.Turn, "text": ev.Text})
	}

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()

	events := sink.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			writeEvent(ev)

		case <-ticker.C:
			if started {
				writeJSON("ping", gin.H{"ts": time.Now().Unix()})
			}

		case out := <-results:
			// Send closed the sink before reporting, so this drains what is left
			for ev := range sink.Events() {
				writeEvent(ev)
			}
			if !started {
				if out.err != nil {
					h.fail(c, out.err)
					return
				}
				start()
			}
			done := gin.H{"conversation_id": id, "state": chat.TurnFailed.String()}
			if out.res != nil {
				done["state"] = out.res.State.String()
				if out.res.UserMessage != nil {
					done["user_message_id"] = out.res.UserMessage.ID
				}
				if out.res.Reply != nil {
					done["message_id"] = out.res.Reply.ID
				}
			}
			writeJSON("done", done)
			return

		case <-ctx.Done():
			// the client left; the turn sees the same ctx and winds down
			return
		}
	}
}

// SendMessageAsync stores the user message and queues the reply for a worker.
func (h *Handler) SendMessageAsync(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if h.Queue == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async turns are not configured")
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		h.fail(c, chat.ErrEmptyMessage)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.Svc.AppendMessage(ctx, id, req.Message, chat.RoleUser); err != nil {
		h.fail(c, err)
		return
	}
	j, err := h.Svc.CreateJob(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Queue.PublishTurn(ctx, j.ID, id); err != nil {
		h.Log.Error("enqueue turn failed", zap.String("job_id", j.ID), zap.Uint64("conversation_id", id), zap.Error(err))
		_ = h.Svc.Repo().MarkJobFailed(ctx, j.ID, "enqueue failed")
		common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "ok",
		"data":    gin.H{"job_id": j.ID},
	})
}

func (h *Handler) CancelTurn(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	common.OK(c, gin.H{"cancelled": h.Coord.Cancel(id)})
}

func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job id required")
		return
	}

	ctx := c.Request.Context()
	j, found, err := h.Svc.GetJob(ctx, jobID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !found {
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	out := gin.H{
		"id":                j.ID,
		"conversation_id":   j.ConversationID,
		"status":            j.Status,
		"result_message_id": j.ResultMessageID,
		"error":             j.Error,
		"created_at":        j.CreatedAt,
		"updated_at":        j.UpdatedAt,
	}
	if h.Progress != nil && j.Status == chat.JobRunning {
		if text, ok, err := h.Progress.GetTurnBuffer(ctx, j.ID); err != nil {
			h.Log.Warn("read turn buffer failed", zap.String("job_id", j.ID), zap.Error(err))
		} else if ok {
			out["partial"] = text
		}
		if msg, ok, err := h.Progress.GetTurnError(ctx, j.ID); err == nil && ok {
			out["partial_error"] = msg
		}
	}
	common.OK(c, gin.H{"job": out})
}
