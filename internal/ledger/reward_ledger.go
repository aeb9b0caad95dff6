// Package ledger tracks claimable balances across identities and derives the
// session's gain and earn rate.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shizukutanaka/orefleet/internal/identity"
	"github.com/shizukutanaka/orefleet/internal/monitoring"
	"go.uber.org/zap"
)

var ErrQueryFailed = errors.New("balance query failed")

// BalanceQuerier reads the claimable balance bound to a keypair.
type BalanceQuerier interface {
	Rewards(ctx context.Context, keypair string) (float64, error)
}

// BalanceSample is one observation of an identity's balance.
type BalanceSample struct {
	Identity identity.Identity `json:"identity"`
	Amount   float64           `json:"amount"`
	At       time.Time         `json:"at"`
}

// Poll is the result of querying every identity once.
type Poll struct {
	Total   float64         `json:"total"`
	Samples []BalanceSample `json:"samples"`
	Failed  int             `json:"failed"`
	At      time.Time       `json:"at"`
}

// Ledger polls balances. Only the latest successful sample per identity is
// kept.
type Ledger struct {
	logger  *zap.Logger
	querier BalanceQuerier
	metrics *monitoring.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	latest map[string]BalanceSample
}

// NewLedger creates a ledger. metrics may be nil.
func NewLedger(logger *zap.Logger, querier BalanceQuerier, metrics *monitoring.Metrics) *Ledger {
	return &Ledger{
		logger:  logger.Named("ledger"),
		querier: querier,
		metrics: metrics,
		now:     time.Now,
		latest:  make(map[string]BalanceSample),
	}
}

// PollOne returns the identity's balance or an error wrapping ErrQueryFailed.
func (l *Ledger) PollOne(ctx context.Context, id identity.Identity) (float64, error) {
	amount, err := l.querier.Rewards(ctx, id.Path)
	if err != nil {
		l.metrics.QueryFailed(id.Name)
		return 0, fmt.Errorf("%w: %s: %v", ErrQueryFailed, id.Name, err)
	}

	sample := BalanceSample{Identity: id, Amount: amount, At: l.now()}
	l.mu.Lock()
	l.latest[id.Path] = sample
	l.mu.Unlock()

	l.metrics.SetBalance(id.Name, amount)
	return amount, nil
}

// PollAll sums the balances of ids. A failed identity contributes zero and is
// counted in Failed; it never fails the poll.
func (l *Ledger) PollAll(ctx context.Context, ids []identity.Identity) Poll {
	poll := Poll{
		Samples: make([]BalanceSample, 0, len(ids)),
		At:      l.now(),
	}

	for _, id := range ids {
		amount, err := l.PollOne(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("Balance query failed, counting as zero",
					zap.String("identity", id.Name),
					zap.Error(err),
				)
			}
			poll.Failed++
			continue
		}
		poll.Total += amount
		poll.Samples = append(poll.Samples, BalanceSample{Identity: id, Amount: amount, At: poll.At})
	}

	l.logger.Debug("Polled balances",
		zap.Int("identities", len(ids)),
		zap.Int("failed", poll.Failed),
		zap.Float64("total", poll.Total),
	)
	return poll
}

// Latest returns the most recent successful sample per identity.
func (l *Ledger) Latest() []BalanceSample {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]BalanceSample, 0, len(l.latest))
	for _, s := range l.latest {
		out = append(out, s)
	}
	return out
}
