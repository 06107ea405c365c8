// Package sweeper runs the periodic recovery passes. It re-polls payments the
// gateway never reported back on, expires unpaid purchases and pushes paid
// purchases whose confirmation stalled.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/gateway"
	"ms-fulfillment/internal/kafka"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/metrics"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/redis"

	"golang.org/x/sync/errgroup"
)

const batchSize = 100

type Store interface {
	ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error)
	ExpirePurchase(ctx context.Context, id string, cutoff, at time.Time) (bool, error)
	GetPurchase(ctx context.Context, id string) (*models.Purchase, error)
	ListStalledConfirmations(ctx context.Context, startedBefore time.Time, limit int) ([]models.Purchase, error)
	ListPaidUnconfirmed(ctx context.Context, approvedBefore time.Time, limit int) ([]models.Purchase, error)
}

type Confirmer interface {
	ConfirmPurchase(ctx context.Context, purchaseID string) (*models.Purchase, error)
}

// PaymentStore lists payments whose outcome is still open at the gateway.
type PaymentStore interface {
	ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Payment, error)
}

type PaymentPoller interface {
	GetPayment(ctx context.Context, ref gateway.PaymentRef) (*gateway.Charge, error)
}

type StateApplier interface {
	ApplyGatewayState(ctx context.Context, payment *models.Payment, charge *gateway.Charge) (bool, error)
}

type Leases interface {
	Acquire(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Emitter interface {
	Emit(update models.PurchaseUpdate)
}

// Stats counts what one cycle did.
type Stats struct {
	Settled int
	Expired int
	Resumed int
	Failed  int
}

type Sweeper struct {
	Store     Store
	Confirmer Confirmer
	// Payments, Gateway and Applier enable the re-poll pass. It is skipped
	// when any of them is nil.
	Payments PaymentStore
	Gateway  PaymentPoller
	Applier  StateApplier
	Leases   Leases
	Events   *kafka.EventPublisher
	Emitter  Emitter
	Metrics  *metrics.Metrics
	Config   config.FulfillmentConfig
	Logger   *logger.Logger
	now      func() time.Time
}

func New(store Store, confirmer Confirmer, cfg config.FulfillmentConfig, log *logger.Logger) *Sweeper {
	return &Sweeper{
		Store:     store,
		Confirmer: confirmer,
		Config:    cfg,
		Logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately and then every SweepInterval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	s.Logger.Info("SWEEPER", fmt.Sprintf("Sweeper started, interval %s", interval))

	s.runCycle(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("SWEEPER", "Sweeper stopped")
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Sweeper) runCycle(ctx context.Context) {
	if s.Leases != nil {
		token, ok, err := s.Leases.Acquire(ctx, redis.SweepKey)
		switch {
		case err != nil:
			s.Logger.Warn("SWEEPER", fmt.Sprintf("Sweep lease unavailable, sweeping anyway: %v", err))
		case !ok:
			s.Logger.Debug("SWEEPER", "Another replica is sweeping; skipping this cycle")
			return
		default:
			defer func() {
				if err := s.Leases.Release(context.WithoutCancel(ctx), redis.SweepKey, token); err != nil {
					s.Logger.Warn("SWEEPER", fmt.Sprintf("Failed to release sweep lease: %v", err))
				}
			}()
		}
	}

	start := time.Now()
	stats, err := s.Sweep(ctx)
	s.Metrics.ObserveSweep(time.Since(start), stats.Settled, stats.Expired, stats.Resumed, stats.Failed)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.Logger.Error("SWEEPER", fmt.Sprintf("Sweep failed: %v", err))
	}
	if stats.Settled+stats.Expired+stats.Resumed+stats.Failed > 0 {
		s.Logger.Info("SWEEPER", fmt.Sprintf("Sweep done: %d settled, %d expired, %d resumed, %d failed", stats.Settled, stats.Expired, stats.Resumed, stats.Failed))
	}
}

// Sweep first re-polls open payments so that expiry sees what the gateway
// knows. Expiry and recovery then run concurrently. They touch disjoint
// purchases: expiry only takes purchases without a settling payment and
// without a started confirmation.
func (s *Sweeper) Sweep(ctx context.Context) (Stats, error) {
	polled, unresolved, err := s.repoll(ctx)
	if err != nil {
		return polled, err
	}

	var expired, recovered Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		expired, err = s.expire(gctx, unresolved)
		return err
	})
	g.Go(func() (err error) {
		recovered, err = s.recover(gctx)
		return err
	})
	err = g.Wait()
	return Stats{
		Settled: polled.Settled,
		Expired: expired.Expired,
		Resumed: recovered.Resumed,
		Failed:  polled.Failed + recovered.Failed,
	}, err
}

// repoll fetches the canonical state of payments whose webhook never moved
// them and applies it. Purchases whose payment could not be fetched are
// returned so that expiry leaves them for the next cycle.
func (s *Sweeper) repoll(ctx context.Context) (Stats, map[string]struct{}, error) {
	var stats Stats
	unresolved := make(map[string]struct{})
	if s.Payments == nil || s.Gateway == nil || s.Applier == nil {
		return stats, unresolved, nil
	}

	open, err := s.Payments.ListUnsettled(ctx, s.now().Add(-s.Config.ResumeAfter), batchSize)
	if err != nil {
		return stats, unresolved, fmt.Errorf("list unsettled payments: %w", err)
	}
	for i := range open {
		if ctx.Err() != nil {
			return stats, unresolved, ctx.Err()
		}
		p := &open[i]
		charge, err := s.Gateway.GetPayment(ctx, gateway.PaymentRef{GatewayID: p.GatewayID, SessionID: p.SessionID})
		if err != nil {
			stats.Failed++
			unresolved[p.PurchaseID] = struct{}{}
			s.Logger.Warn("SWEEPER", fmt.Sprintf("Could not poll payment %s: %v", p.ID, err))
			continue
		}
		changed, err := s.Applier.ApplyGatewayState(ctx, p, charge)
		if err != nil {
			stats.Failed++
			unresolved[p.PurchaseID] = struct{}{}
			s.Logger.Warn("SWEEPER", fmt.Sprintf("Could not apply polled state to payment %s: %v", p.ID, err))
			continue
		}
		if changed {
			stats.Settled++
			s.Logger.LogPayment("POLL", p.ID, fmt.Sprintf("-> %s", charge.Status))
		}
	}
	return stats, unresolved, nil
}

func (s *Sweeper) expire(ctx context.Context, skip map[string]struct{}) (Stats, error) {
	var stats Stats
	now := s.now()
	cutoff := now.Add(-s.Config.PendingTimeout)

	candidates, err := s.Store.ListExpiryCandidates(ctx, cutoff, batchSize)
	if err != nil {
		return stats, fmt.Errorf("list expiry candidates: %w", err)
	}
	for _, c := range candidates {
		if _, held := skip[c.ID]; held {
			s.Logger.Debug("SWEEPER", fmt.Sprintf("Expiry of %s deferred, payment state unknown", c.ID))
			continue
		}
		ok, err := s.Store.ExpirePurchase(ctx, c.ID, cutoff, now)
		if err != nil {
			return stats, fmt.Errorf("expire %s: %w", c.ID, err)
		}
		if !ok {
			continue
		}
		stats.Expired++
		s.Logger.LogPurchase("EXPIRE", c.ID, fmt.Sprintf("unpaid after %s", s.Config.PendingTimeout))

		p, err := s.Store.GetPurchase(ctx, c.ID)
		if err != nil {
			s.Logger.Warn("SWEEPER", fmt.Sprintf("Expired %s but could not reload it: %v", c.ID, err))
			continue
		}
		s.Events.PurchaseEvent(ctx, models.EventPurchaseFailed, p)
		if s.Emitter != nil {
			s.Emitter.Emit(models.NewPurchaseUpdate(p, p.FailureReason))
		}
	}
	return stats, nil
}

// recover lists both recovery sets before confirming anything, so a purchase
// confirmed here is not picked up a second time as stalled.
func (s *Sweeper) recover(ctx context.Context) (Stats, error) {
	before := s.now().Add(-s.Config.ResumeAfter)
	stalled, err := s.Store.ListStalledConfirmations(ctx, before, batchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("list stalled confirmations: %w", err)
	}
	paid, err := s.Store.ListPaidUnconfirmed(ctx, before, batchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("list paid unconfirmed: %w", err)
	}
	stats := s.confirmAll(ctx, "stalled", stalled)
	more := s.confirmAll(ctx, "paid", paid)
	stats.Resumed += more.Resumed
	stats.Failed += more.Failed
	return stats, nil
}

// confirmAll keeps going past individual failures; the next cycle retries them.
func (s *Sweeper) confirmAll(ctx context.Context, kind string, list []models.Purchase) Stats {
	var stats Stats
	for _, p := range list {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Confirmer.ConfirmPurchase(ctx, p.ID); err != nil {
			stats.Failed++
			s.Logger.Warn("SWEEPER", fmt.Sprintf("Resume of %s purchase %s failed: %v", kind, p.ID, err))
			continue
		}
		stats.Resumed++
		s.Logger.LogPurchase("RESUME", p.ID, kind)
	}
	return stats
}
