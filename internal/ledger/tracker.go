package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shizukutanaka/orefleet/internal/identity"
	"go.uber.org/zap"
)

// finalPollTimeout bounds the closing poll made after cancellation.
const finalPollTimeout = 30 * time.Second

// Store persists sessions and the latest sample per identity.
type Store interface {
	StartSession(ctx context.Context, id string, startedAt time.Time, initial float64) error
	RecordBalance(ctx context.Context, sessionID string, sample BalanceSample) error
	EndSession(ctx context.Context, summary Summary) error
}

// Reporter receives session progress. Start is called once with the opening
// poll; Progress on every following poll.
type Reporter interface {
	Start(sessionID string, initial Poll)
	Progress(r Report)
}

// Tracker runs the fixed-interval polling loop of a session.
type Tracker struct {
	logger     *zap.Logger
	ledger     *Ledger
	identities []identity.Identity
	interval   time.Duration
	store      Store
	reporter   Reporter
}

// NewTracker creates a tracker. store and reporter may be nil.
func NewTracker(logger *zap.Logger, l *Ledger, ids []identity.Identity, interval time.Duration, store Store, reporter Reporter) (*Tracker, error) {
	if interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	return &Tracker{
		logger:     logger.Named("tracker"),
		ledger:     l,
		identities: ids,
		interval:   interval,
		store:      store,
		reporter:   reporter,
	}, nil
}

// Run polls until ctx is done, then makes a closing poll and returns the
// session summary. Cancellation is the normal way to end a session.
func (t *Tracker) Run(ctx context.Context) (Summary, error) {
	initial := t.ledger.PollAll(ctx, t.identities)
	if err := ctx.Err(); err != nil {
		return Summary{}, fmt.Errorf("session interrupted before the opening poll completed: %w", err)
	}

	session := NewSession(uuid.NewString(), initial.Total, initial.At)
	t.persistStart(ctx, session, initial)
	if t.reporter != nil {
		t.reporter.Start(session.ID, initial)
	}
	t.logger.Info("Session started",
		zap.String("session_id", session.ID),
		zap.Float64("initial", initial.Total),
		zap.Int("identities", len(t.identities)),
		zap.Duration("interval", t.interval),
	)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return t.finish(ctx, session), nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return t.finish(ctx, session), nil
			}
			poll := t.ledger.PollAll(ctx, t.identities)
			if ctx.Err() != nil {
				// Identities left unqueried by the interrupt read as zero;
				// the closing poll reports instead.
				return t.finish(ctx, session), nil
			}
			t.observe(ctx, session, poll)
		}
	}
}

func (t *Tracker) observe(ctx context.Context, session *Session, poll Poll) Report {
	r := session.Observe(poll.Total, poll.At)
	r.Failed = poll.Failed
	t.ledger.metrics.SetSession(r.Total, r.Rate)
	t.persistSamples(ctx, session.ID, poll)

	if t.reporter != nil {
		t.reporter.Progress(r)
	}
	t.logger.Info("Balance update",
		zap.Float64("delta", r.Delta),
		zap.Float64("total", r.Total),
		zap.Float64("rate_per_minute", r.Rate),
		zap.Int("failed", r.Failed),
	)
	return r
}

func (t *Tracker) finish(ctx context.Context, session *Session) Summary {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalPollTimeout)
	defer cancel()

	t.observe(closeCtx, session, t.ledger.PollAll(closeCtx, t.identities))
	summary := session.Summary()

	if t.store != nil {
		if err := t.store.EndSession(closeCtx, summary); err != nil {
			t.logger.Warn("Failed to persist session end", zap.Error(err))
		}
	}
	t.logger.Info("Session ended",
		zap.String("session_id", summary.SessionID),
		zap.Float64("gain", summary.Gain),
		zap.Float64("final", summary.Final),
		zap.Duration("elapsed", summary.Elapsed),
	)
	return summary
}

func (t *Tracker) persistStart(ctx context.Context, session *Session, initial Poll) {
	if t.store == nil {
		return
	}
	if err := t.store.StartSession(ctx, session.ID, session.StartedAt, session.Initial); err != nil {
		t.logger.Warn("Failed to persist session start", zap.Error(err))
		return
	}
	t.persistSamples(ctx, session.ID, initial)
}

func (t *Tracker) persistSamples(ctx context.Context, sessionID string, poll Poll) {
	if t.store == nil {
		return
	}
	for _, s := range poll.Samples {
		if err := t.store.RecordBalance(ctx, sessionID, s); err != nil {
			t.logger.Warn("Failed to persist balance sample",
				zap.String("identity", s.Identity.Name),
				zap.Error(err),
			)
		}
	}
}
