package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/suPer8Hu/llamachat/internal/chat"
	"github.com/suPer8Hu/llamachat/internal/store/rabbitmq"
	"go.uber.org/zap"
)

const (
	jobTimeout = 10 * time.Minute
	// a running job untouched for this long lost its worker
	staleAfter = jobTimeout + time.Minute

	settleAttempts  = 5
	settleBaseDelay = 200 * time.Millisecond
)

// SinkFactory builds the progress sink for one job.
type SinkFactory func(ctx context.Context, jobID string) chat.Sink

// Runner settles queued turn jobs through the coordinator.
type Runner struct {
	coord *chat.Coordinator
	sinks SinkFactory
	log   *zap.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func NewRunner(coord *chat.Coordinator, sinks SinkFactory, log *zap.Logger) *Runner {
	if sinks == nil {
		sinks = func(context.Context, string) chat.Sink { return chat.Discard }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{coord: coord, sinks: sinks, log: log, now: time.Now, sleep: time.Sleep}
}

// Handle is a rabbitmq.Handler. A job is settled (succeeded or failed) exactly once;
// storage errors before the claim are returned so the message is retried.
func (r *Runner) Handle(ctx context.Context, m rabbitmq.TurnMessage) error {
	jobStart := time.Now()
	svc := r.coord.Service()
	repo := svc.Repo()
	log := r.log.With(zap.String("job_id", m.JobID))

	j, found, err := svc.GetJob(ctx, m.JobID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("job %s: %w", m.JobID, rabbitmq.ErrPermanent)
	}

	claimed, err := repo.UpdateJobStatusRunning(ctx, m.JobID, r.now().Add(-staleAfter))
	if err != nil {
		return err
	}
	if !claimed {
		// settled, or another worker holds a fresh claim
		log.Info("job already claimed", zap.String("status", string(j.Status)))
		return nil
	}

	settleCtx := context.WithoutCancel(ctx)

	if j.Status == chat.JobRunning {
		log.Warn("reclaimed stale job", zap.Time("last_update", j.UpdatedAt))
		// the previous worker may have stored the reply before it died
		if reply, ok := r.storedReply(ctx, j.ConversationID); ok {
			return r.settle(settleCtx, log, func(ctx context.Context) error {
				return repo.MarkJobSucceeded(ctx, m.JobID, reply.ID)
			})
		}
	}

	jctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	res, genErr := r.coord.Continue(jctx, j.ConversationID, r.sinks(jctx, m.JobID))
	if genErr != nil {
		if err := r.settle(settleCtx, log, func(ctx context.Context) error {
			return repo.MarkJobFailed(ctx, m.JobID, genErr.Error())
		}); err != nil {
			return err
		}
		log.Warn("job failed", zap.Duration("cost", time.Since(jobStart)), zap.Error(genErr))
		return nil
	}

	if err := r.settle(settleCtx, log, func(ctx context.Context) error {
		return repo.MarkJobSucceeded(ctx, m.JobID, res.Reply.ID)
	}); err != nil {
		return err
	}
	if cost := time.Since(jobStart); cost > 2*time.Second {
		log.Info("job timing", zap.Uint64("conversation_id", j.ConversationID), zap.Duration("cost", cost))
	}
	return nil
}

// settle retries the final status write here: a redelivered message could not
// claim the job again until it goes stale.
func (r *Runner) settle(ctx context.Context, log *zap.Logger, write func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < settleAttempts; attempt++ {
		if attempt > 0 {
			r.sleep(settleBaseDelay << (attempt - 1))
		}
		if err = write(ctx); err == nil {
			return nil
		}
		log.Warn("settle job failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	log.Error("job left running", zap.Error(err))
	return err
}

// storedReply returns the conversation's last message when it is an assistant
// reply, i.e. the job's turn already completed.
func (r *Runner) storedReply(ctx context.Context, conversationID uint64) (*chat.Message, bool) {
	msgs, err := r.coord.Service().ListMessages(ctx, conversationID)
	if err != nil || len(msgs) == 0 {
		return nil, false
	}
	last := msgs[len(msgs)-1]
	if last.Role != chat.RoleAssistant {
		return nil, false
	}
	return &last, true
}
