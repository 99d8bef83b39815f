package redisstore

import (
	"context"

	"go.uber.org/zap"
)

// ProgressSink records a worker's turn in redis so GET /jobs/:id can show the
// partial reply while it streams.
type ProgressSink struct {
	store *Store
	ctx   context.Context
	jobID string
	// turn is the reply's index; earlier indexes are the user message echo.
	turn int
}

func (s *Store) ProgressSink(ctx context.Context, jobID string) *ProgressSink {
	return &ProgressSink{store: s, ctx: ctx, jobID: jobID, turn: -1}
}

func (p *ProgressSink) Publish(turn int, text string) {
	if turn < p.turn {
		return
	}
	p.turn = turn
	if err := p.store.SetTurnBuffer(p.ctx, p.jobID, text); err != nil {
		p.store.log.Warn("write turn buffer failed", zap.String("job_id", p.jobID), zap.Error(err))
	}
}

func (p *ProgressSink) PublishError(turn int, msg string) {
	if err := p.store.SetTurnError(p.ctx, p.jobID, msg); err != nil {
		p.store.log.Warn("write turn error failed", zap.String("job_id", p.jobID), zap.Error(err))
	}
}
