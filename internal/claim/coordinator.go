// Package claim withdraws accumulated rewards, retrying each identity until
// the claim is confirmed.
package claim

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shizukutanaka/orefleet/internal/identity"
	"github.com/shizukutanaka/orefleet/internal/monitoring"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultSuccessMarker is looked for in the claim response.
const DefaultSuccessMarker = "Transaction landed"

// State is the claim state of one identity.
type State string

const (
	StateSkipped   State = "skipped"
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
)

// BalanceReader reads an identity's claimable balance.
type BalanceReader interface {
	PollOne(ctx context.Context, id identity.Identity) (float64, error)
}

// Claimer issues one claim request and returns its textual response.
type Claimer interface {
	Claim(ctx context.Context, keypair string) (string, error)
}

// Store records finished claims.
type Store interface {
	RecordClaim(ctx context.Context, outcome Outcome) error
}

// Outcome is the terminal record of one identity.
type Outcome struct {
	Identity identity.Identity `json:"identity"`
	State    State             `json:"state"`
	Attempts int               `json:"attempts"`
	Amount   float64           `json:"amount"`
	At       time.Time         `json:"at"`
}

// Config configures a Coordinator.
type Config struct {
	SuccessMarker string
	// AttemptsPerSecond caps claim retries per identity; zero retries
	// immediately.
	AttemptsPerSecond float64
}

// Coordinator claims identities strictly one after another. Retries have no
// attempt limit; only ctx ends them.
type Coordinator struct {
	logger   *zap.Logger
	balances BalanceReader
	claimer  Claimer
	marker   string
	perSec   float64
	metrics  *monitoring.Metrics
	store    Store
}

// NewCoordinator creates a coordinator. metrics and store may be nil.
func NewCoordinator(logger *zap.Logger, balances BalanceReader, claimer Claimer, config Config, metrics *monitoring.Metrics, store Store) (*Coordinator, error) {
	if config.AttemptsPerSecond < 0 {
		return nil, errors.New("attempts per second must not be negative")
	}
	marker := config.SuccessMarker
	if marker == "" {
		marker = DefaultSuccessMarker
	}
	return &Coordinator{
		logger:   logger.Named("claim"),
		balances: balances,
		claimer:  claimer,
		marker:   marker,
		perSec:   config.AttemptsPerSecond,
		metrics:  metrics,
		store:    store,
	}, nil
}

// ClaimAll processes ids in order. On cancellation it returns the outcomes
// gathered so far, the interrupted identity last with StatePending.
func (c *Coordinator) ClaimAll(ctx context.Context, ids []identity.Identity) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		outcome, err := c.ClaimOne(ctx, id)
		outcomes = append(outcomes, outcome)
		if err != nil {
			return outcomes, err
		}
	}

	confirmed := 0
	for _, o := range outcomes {
		if o.State == StateConfirmed {
			confirmed++
		}
	}
	c.logger.Info("Claims finished",
		zap.Int("identities", len(ids)),
		zap.Int("confirmed", confirmed),
		zap.Int("skipped", len(ids)-confirmed),
	)
	return outcomes, nil
}

// ClaimOne skips an identity without balance and otherwise retries the claim
// until the response contains the success marker.
func (c *Coordinator) ClaimOne(ctx context.Context, id identity.Identity) (Outcome, error) {
	outcome := Outcome{Identity: id, State: StatePending}

	amount, err := c.balances.PollOne(ctx, id)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome, ctxErr
		}
		c.logger.Warn("Balance unavailable, treating as zero", zap.String("identity", id.Name), zap.Error(err))
		amount = 0
	}
	outcome.Amount = amount

	if amount <= 0 {
		outcome.State = StateSkipped
		outcome.At = time.Now()
		c.logger.Info("Nothing to claim", zap.String("identity", id.Name))
		c.finish(ctx, outcome)
		return outcome, nil
	}

	c.logger.Info("Claiming rewards",
		zap.String("identity", id.Name),
		zap.Float64("amount", amount),
	)

	limiter := c.newLimiter()
	for {
		if err := c.waitAttempt(ctx, limiter); err != nil {
			c.logger.Warn("Claim interrupted",
				zap.String("identity", id.Name),
				zap.Int("attempts", outcome.Attempts),
			)
			return outcome, err
		}

		outcome.Attempts++
		c.metrics.ClaimAttempt(id.Name)

		out, err := c.claimer.Claim(ctx, id.Path)
		if strings.Contains(out, c.marker) {
			outcome.State = StateConfirmed
			outcome.At = time.Now()
			c.logger.Info("Claim confirmed",
				zap.String("identity", id.Name),
				zap.Float64("amount", amount),
				zap.Int("attempts", outcome.Attempts),
			)
			c.finish(ctx, outcome)
			return outcome, nil
		}

		c.logger.Debug("Claim not confirmed, retrying",
			zap.String("identity", id.Name),
			zap.Int("attempt", outcome.Attempts),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) newLimiter() *rate.Limiter {
	if c.perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(c.perSec), 1)
}

func (c *Coordinator) waitAttempt(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return ctx.Err()
	}
	return limiter.Wait(ctx)
}

func (c *Coordinator) finish(ctx context.Context, outcome Outcome) {
	c.metrics.ClaimOutcome(string(outcome.State))
	if c.store == nil {
		return
	}
	if err := c.store.RecordClaim(ctx, outcome); err != nil {
		c.logger.Warn("Failed to persist claim outcome",
			zap.String("identity", outcome.Identity.Name),
			zap.Error(err),
		)
	}
}
