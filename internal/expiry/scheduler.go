// Package expiry runs the periodic sweep that moves past-deadline
// credentials to the expired state (spec §4.6).
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/firefrp/firefrp/internal/credential"
	"github.com/firefrp/firefrp/internal/rejectset"
)

const (
	// tickSpec fires the sweep every 30s, per spec §4.6.
	tickSpec = "@every 30s"
	// pruneSpec bounds RejectSet memory growth (spec §4.5).
	pruneSpec    = "@every 5m"
	pruneHorizon = 24 * time.Hour
)

// Scheduler drives the expiry sweep and the reject-set prune under the
// caller-supplied state lock. It never mutates the store directly; it goes
// through credential.Service so every transition is audited the same way a
// command-triggered transition is.
type Scheduler struct {
	cred     *credential.Service
	reject   *rejectset.Set
	withLock func(func())
	log      *slog.Logger
	now      func() time.Time

	cronRunner *cron.Cron
}

// New creates a Scheduler. withLock must run fn while holding the process
// state lock (spec §5) — Scheduler assumes no other exclusion of its own.
func New(cred *credential.Service, reject *rejectset.Set, withLock func(func()), log *slog.Logger) *Scheduler {
	return &Scheduler{
		cred:     cred,
		reject:   reject,
		withLock: withLock,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start runs an immediate sweep, then schedules the periodic ticks. It
// returns once both cron entries are registered; the schedule itself runs
// in cron's own goroutine until ctx is cancelled or Stop is called.
//
// cron.Cron only fires on schedule boundaries, never immediately, so the
// first sweep is run inline here to satisfy the "first tick is immediate"
// requirement (spec §4.6) that a bare cron entry cannot express.
func (sc *Scheduler) Start(ctx context.Context) error {
	sc.sweepExpired()
	sc.prune()

	c := cron.New()
	if _, err := c.AddFunc(tickSpec, sc.sweepExpired); err != nil {
		return err
	}
	if _, err := c.AddFunc(pruneSpec, sc.prune); err != nil {
		return err
	}
	sc.cronRunner = c
	c.Start()

	go func() {
		<-ctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (sc *Scheduler) Stop() {
	if sc.cronRunner == nil {
		return
	}
	stopCtx := sc.cronRunner.Stop()
	<-stopCtx.Done()
}

func (sc *Scheduler) sweepExpired() {
	sc.withLock(func() {
		now := sc.now()
		due := sc.cred.CollectExpired(now)
		for _, rec := range due {
			key := rec.Key
			if _, ok, err := sc.cred.Expire(rec.ID); err != nil {
				sc.log.Error("expiry: transition failed", "tunnel", rec.TunnelID, "err", err)
				continue
			} else if !ok {
				continue
			}
			sc.reject.Add(key)
			sc.log.Info("expiry: credential expired", "tunnel", rec.TunnelID, "port", rec.RemotePort)
		}
	})
}

func (sc *Scheduler) prune() {
	sc.reject.Prune(pruneHorizon)
}
