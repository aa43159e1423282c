package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/reward-settlement/internal/logging"
	"github.com/reward-settlement/internal/service"
)

// Sweeper runs one fee-sweep batch
type Sweeper interface {
	RunBatch(ctx context.Context, opts service.BatchOptions) (*service.BatchResult, error)
}

// Gate tells background jobs to hold off while shared RPC credits run low
type Gate interface {
	Saturated(ctx context.Context) bool
}

// SweepJob returns a task that sweeps every eligible fee source, like the
// scheduler trigger does. A saturated gate skips the tick; gate may be nil.
func SweepJob(sweeper Sweeper, opts service.BatchOptions, gate Gate) Task {
	return func(ctx context.Context) error {
		if gate != nil && gate.Saturated(ctx) {
			logging.FromContext(ctx, nil).Warn("RPC budget saturated, skipping sweep tick")
			return nil
		}
		res, err := sweeper.RunBatch(ctx, opts)
		if err != nil {
			return fmt.Errorf("sweep batch: %w", err)
		}
		log := logging.FromContext(ctx, nil).WithFields(map[string]interface{}{
			"run_id":    res.RunID,
			"swept":     res.Swept,
			"targeted":  res.Targeted,
			"remaining": res.Remaining,
		})
		if res.TimeBudgetReached {
			log.Warn("sweep batch stopped at its time budget")
			return nil
		}
		log.Info("sweep batch finished")
		return nil
	}
}

// ReservationPruner deletes reservations that were never broadcast
type ReservationPruner interface {
	PruneStale(ctx context.Context, ttl time.Duration) (int64, error)
}

// PruneJob returns a task that removes stale, never broadcast reservations
func PruneJob(claims ReservationPruner, ttl time.Duration) Task {
	return func(ctx context.Context) error {
		n, err := claims.PruneStale(ctx, ttl)
		if err != nil {
			return err
		}
		if n > 0 {
			logging.FromContext(ctx, nil).WithField("rows", n).Info("pruned stale reservations")
		}
		return nil
	}
}

// Expirer ends records whose end time has passed
type Expirer interface {
	EndExpired(ctx context.Context, now time.Time) (int64, error)
}

// UnresolvedLister finds broadcast reservations that are still pending
type UnresolvedLister interface {
	ListUnresolvedSignatures(ctx context.Context, ttl time.Duration, limit int) ([]string, error)
}

// StatusReconciler reconciles a payout signature against the chain
type StatusReconciler interface {
	Status(ctx context.Context, sig string) (*service.ClaimStatus, error)
}

// Hygiene ends expired campaigns and epochs and reconciles broadcast
// reservations nobody polled. Reconcile and Unresolved are optional together.
type Hygiene struct {
	Campaigns  Expirer
	Epochs     Expirer
	Unresolved UnresolvedLister
	Reconcile  StatusReconciler
	TTL        time.Duration
	BatchSize  int
	Clock      clockwork.Clock
}

// Run is the hygiene task
func (h *Hygiene) Run(ctx context.Context) error {
	log := logging.FromContext(ctx, nil)
	now := time.Now()
	if h.Clock != nil {
		now = h.Clock.Now()
	}

	var errs []error

	campaigns, err := h.Campaigns.EndExpired(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("end campaigns: %w", err))
	} else if campaigns > 0 {
		log.WithField("campaigns", campaigns).Info("ended expired campaigns")
	}

	epochs, err := h.Epochs.EndExpired(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("end epochs: %w", err))
	} else if epochs > 0 {
		log.WithField("epochs", epochs).Info("ended expired epochs")
	}

	if h.Unresolved != nil && h.Reconcile != nil {
		if err := h.reconcile(ctx, log); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (h *Hygiene) reconcile(ctx context.Context, log *logging.Logger) error {
	limit := h.BatchSize
	if limit <= 0 {
		limit = 50
	}
	sigs, err := h.Unresolved.ListUnresolvedSignatures(ctx, h.TTL, limit)
	if err != nil {
		return fmt.Errorf("list unresolved signatures: %w", err)
	}

	counts := make(map[string]int)
	failed := 0
	for _, sig := range sigs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st, err := h.Reconcile.Status(ctx, sig)
		if err != nil {
			// one bad lookup must not starve the rest of the batch
			log.WithError(err).WithField("tx_sig", sig).Warn("reconcile failed")
			failed++
			continue
		}
		counts[st.Status]++
	}

	if len(sigs) > 0 {
		log.WithFields(map[string]interface{}{
			"checked":   len(sigs),
			"completed": counts["completed"],
			"released":  counts["released"],
			"pending":   counts["pending"],
			"failed":    failed,
		}).Info("reconciled broadcast reservations")
	}
	if failed > 0 && failed == len(sigs) {
		return fmt.Errorf("reconcile: all %d lookups failed", failed)
	}
	return nil
}
