// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package persist drains the vitals cache to the store in chunked
// transactions and enforces per-table retention windows. Everything here
// runs on the database context.
package persist

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/store"
	"zmed.io/zmonitor/internal/vitals"
)

// Scheduler policy defaults.
const (
	DefaultInterval             = 10 * time.Minute
	DefaultChunkSize            = 10_000
	DefaultUnpersistedThreshold = 10_000
	DefaultUtilizationThreshold = 0.8
	DefaultBackoffInitial       = 30 * time.Second
	DefaultBackoffMax           = 15 * time.Minute
	thresholdCheckInterval      = 10 * time.Second
)

// SchedulerConfig tunes the drain policy.
type SchedulerConfig struct {
	Interval             time.Duration
	ChunkSize            int
	UnpersistedThreshold int
	UtilizationThreshold float64
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:             DefaultInterval,
		ChunkSize:            DefaultChunkSize,
		UnpersistedThreshold: DefaultUnpersistedThreshold,
		UtilizationThreshold: DefaultUtilizationThreshold,
		BackoffInitial:       DefaultBackoffInitial,
		BackoffMax:           DefaultBackoffMax,
	}
}

// Scheduler drains unpersisted cache records into the store.
type Scheduler struct {
	cfg    SchedulerConfig
	cache  *vitals.Cache
	st     *store.Store
	logger *logging.Logger

	backoffUntil time.Time
	backoff      time.Duration

	// OnFailure/OnRecover drive the persistence-degraded status indicator.
	OnFailure func(error)
	OnRecover func()
	// OnDrained observes each successful drain for instrumentation.
	OnDrained func(records int, elapsed time.Duration)

	threadHeartbeat *atomic.Int64
}

// NewScheduler creates the scheduler.
func NewScheduler(cfg SchedulerConfig, cache *vitals.Cache, st *store.Store, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.WithComponent("persist")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = DefaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.UtilizationThreshold <= 0 {
		cfg.UtilizationThreshold = DefaultUtilizationThreshold
	}
	if cfg.UnpersistedThreshold <= 0 {
		cfg.UnpersistedThreshold = DefaultUnpersistedThreshold
	}
	return &Scheduler{cfg: cfg, cache: cache, st: st, logger: logger}
}

// SetThreadHeartbeat wires the watchdog counter for the database context.
func (s *Scheduler) SetThreadHeartbeat(hb *atomic.Int64) { s.threadHeartbeat = hb }

// Run drives the cadence until ctx ends, then performs one final
// synchronous drain.
func (s *Scheduler) Run(ctx context.Context) {
	cadence := time.NewTicker(s.cfg.Interval)
	thresholds := time.NewTicker(thresholdCheckInterval)
	defer cadence.Stop()
	defer thresholds.Stop()

	for {
		if s.threadHeartbeat != nil {
			s.threadHeartbeat.Store(clock.NowMillis())
		}

		select {
		case <-ctx.Done():
			// Final synchronous drain before the database context quits.
			if err := s.Drain(); err != nil {
				s.logger.Error("final drain failed", "error", err)
			}
			return
		case <-cadence.C:
			s.drainWithBackoff()
		case <-thresholds.C:
			if s.thresholdHit() {
				s.drainWithBackoff()
			}
		}
	}
}

func (s *Scheduler) thresholdHit() bool {
	return s.cache.UnpersistedCount() >= s.cfg.UnpersistedThreshold ||
		s.cache.Utilization() >= s.cfg.UtilizationThreshold
}

func (s *Scheduler) drainWithBackoff() {
	if clock.Now().Before(s.backoffUntil) {
		return
	}
	if err := s.Drain(); err != nil {
		if s.backoff == 0 {
			s.backoff = s.cfg.BackoffInitial
		} else {
			s.backoff *= 2
			if s.backoff > s.cfg.BackoffMax {
				s.backoff = s.cfg.BackoffMax
			}
		}
		s.backoffUntil = clock.Now().Add(s.backoff)
		s.logger.Error("drain failed, backing off",
			"backoff", s.backoff, "error", err)
		if s.OnFailure != nil {
			s.OnFailure(err)
		}
		return
	}
	if s.backoff != 0 && s.OnRecover != nil {
		s.OnRecover()
	}
	s.backoff = 0
	s.backoffUntil = time.Time{}
}

// Drain moves every unpersisted record into the store in chunked
// transactions. Records are never discarded here: a failed chunk leaves its
// records flagged unpersisted for the next attempt.
func (s *Scheduler) Drain() error {
	start := time.Now()
	total := 0
	for {
		chunk := s.cache.Unpersisted(s.cfg.ChunkSize)
		if len(chunk) == 0 {
			break
		}

		if err := s.persistChunk(chunk); err != nil {
			return err
		}
		s.cache.MarkPersisted(chunk[len(chunk)-1].WallMillis)
		total += len(chunk)

		s.logger.Debug("persisted chunk",
			"records", len(chunk),
			"through_ms", chunk[len(chunk)-1].WallMillis)

		if len(chunk) < s.cfg.ChunkSize {
			break
		}
	}
	if total > 0 && s.OnDrained != nil {
		s.OnDrained(total, time.Since(start))
	}
	return nil
}

// persistChunk writes one chunk in a single transaction.
func (s *Scheduler) persistChunk(chunk []vitals.Record) error {
	err := s.st.Transaction(func(tx *sql.Tx) error {
		st, err := s.st.TxStmt(tx, store.StmtInsertVital)
		if err != nil {
			return err
		}
		defer st.Close()

		for _, r := range chunk {
			var mrn any
			if r.PatientMRN != "" {
				mrn = r.PatientMRN
			}
			if _, err := st.Exec(
				r.WallMillis, mrn, string(r.Metric), r.Value, r.Unit,
				string(r.Quality), r.Origin, r.DeviceID, nil,
			); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}
