package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/llamachat/internal/ai"
	"github.com/suPer8Hu/llamachat/internal/chat"
	"github.com/suPer8Hu/llamachat/internal/httpapi/common"
	"go.uber.org/zap"
)

// TurnQueue enqueues async turns. *rabbitmq.Publisher implements it.
type TurnQueue interface {
	PublishTurn(ctx context.Context, jobID string, conversationID uint64) error
}

// ProgressReader exposes a worker's partial reply. *redisstore.Store implements it.
type ProgressReader interface {
	GetTurnBuffer(ctx context.Context, jobID string) (string, bool, error)
	GetTurnError(ctx context.Context, jobID string) (string, bool, error)
}

type Handler struct {
	Coord *chat.Coordinator
	Svc   *chat.Service
	// Queue and Progress are nil when rabbit / redis are not configured.
	Queue    TurnQueue
	Progress ProgressReader
	Log      *zap.Logger

	Heartbeat time.Duration
}

func NewHandler(coord *chat.Coordinator, queue TurnQueue, progress ProgressReader, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Coord:     coord,
		Svc:       coord.Service(),
		Queue:     queue,
		Progress:  progress,
		Log:       log,
		Heartbeat: 15 * time.Second,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func conversationID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid conversation id")
		return 0, false
	}
	return id, true
}

// fail maps core errors onto the envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	var (
		pe *chat.PersistenceError
		ge *ai.GenerationError
	)
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
	case errors.Is(err, chat.ErrTurnInFlight):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidRole),
		errors.Is(err, chat.ErrInvalidSettings):
		common.Fail(c, http.StatusBadRequest, 40001, err.Error())
	case errors.Is(err, context.Canceled):
		common.Fail(c, 499, 49900, "request cancelled")
	case errors.As(err, &ge):
		common.Fail(c, http.StatusBadGateway, 50201, "model backend unavailable")
	case errors.As(err, &pe):
		h.Log.Error("persistence failure", zap.String("op", pe.Op), zap.Error(pe.Err))
		common.Fail(c, http.StatusInternalServerError, 50001, "storage error")
	default:
		h.Log.Error("unhandled error", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
	}
}
