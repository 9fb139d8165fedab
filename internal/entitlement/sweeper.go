package entitlement

import (
	"context"
	"time"

	"github.com/rcourtman/entitle/internal/metrics"
	"github.com/rcourtman/entitle/internal/registry"
	"github.com/rs/zerolog/log"
)

const defaultSweepInterval = 1 * time.Hour

// Sweeper periodically re-evaluates every entitlement record and persists
// status transitions, so accounts that stop calling in still move through
// past_due and locked on schedule. It shares the service's per-account
// locks: a payment confirmation and a sweep for the same account never
// interleave.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a Sweeper over the given service. A non-positive
// interval falls back to the default hourly cadence.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Entitlement sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Entitlement sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass over all records. Exported so a pass can be
// triggered outside the loop. The listing is only a snapshot of account ids;
// each record is re-read under its account lock before any transition is
// persisted.
func (s *Sweeper) Sweep(ctx context.Context) {
	recs, err := s.svc.reg.List()
	if err != nil {
		log.Error().Err(err).Msg("Sweeper: failed to list entitlement records")
		return
	}

	counts := map[registry.Status]int{}
	now := s.now()

	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		if rec == nil {
			continue
		}
		st, ok := s.sweepAccount(now, rec.AccountID)
		if !ok {
			continue
		}
		counts[st]++
	}

	for _, st := range []registry.Status{registry.StatusTrial, registry.StatusActive, registry.StatusPastDue, registry.StatusLocked} {
		metrics.RecordsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// sweepAccount evaluates one account against the freshest stored record and
// persists the transition if the cached status drifted. Holding the account
// lock means a confirmation that renewed the record after the listing cannot
// be overwritten with a stale lock decision. Returns the evaluated status
// and whether a record still exists.
func (s *Sweeper) sweepAccount(now time.Time, accountID string) (registry.Status, bool) {
	lk := s.svc.accountLock(accountID)
	lk.Lock()
	defer lk.Unlock()

	rec, err := s.svc.reg.Get(accountID)
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Sweeper: failed to load entitlement record")
		return "", false
	}
	if rec == nil {
		return "", false
	}

	d := Evaluate(now, rec, "")
	if !drifted(rec, d) {
		return d.Status, true
	}

	log.Info().
		Str("account_id", accountID).
		Str("from", string(rec.Status)).
		Str("to", string(d.Status)).
		Bool("locked", d.Locked).
		Msg("Sweeper: entitlement status transition")

	if _, err := s.svc.reg.Upsert(accountID, registry.Patch{
		Status: &d.Status,
		Locked: &d.Locked,
		Reason: &d.Reason,
	}); err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Sweeper: failed to persist transition")
		return d.Status, true
	}
	metrics.SweepTransitionsTotal.WithLabelValues(string(d.Status)).Inc()
	return d.Status, true
}
