// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package persist

import (
	"context"
	"time"

	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/journal"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/store"
)

// Retention defaults.
const (
	DefaultCleanupHour   = 3 // 03:00 local
	DefaultDeleteBatch   = 10_000
	DefaultRetryInterval = time.Hour
	DefaultVitalsDays    = 7
	DefaultAlarmsDays    = 90
	DefaultActionLogDays = 90
	DefaultTelemetryDays = 30
)

// Policy is one table's retention window.
type Policy struct {
	Table      string
	DeleteStmt store.StmtID
	WindowDays int
}

// DefaultPolicies returns the shipped retention windows.
func DefaultPolicies() []Policy {
	return []Policy{
		{Table: store.TableVitals, DeleteStmt: store.StmtDeleteVitalsBefore, WindowDays: DefaultVitalsDays},
		{Table: store.TableAlarms, DeleteStmt: store.StmtDeleteAlarmsBefore, WindowDays: DefaultAlarmsDays},
		{Table: store.TableActionLog, DeleteStmt: store.StmtDeleteActionsBefore, WindowDays: DefaultActionLogDays},
		{Table: store.TableTelemetryMetrics, DeleteStmt: store.StmtDeleteBatchesBefore, WindowDays: DefaultTelemetryDays},
	}
}

// RetentionConfig tunes the nightly job.
type RetentionConfig struct {
	CleanupHour   int
	DeleteBatch   int
	RetryInterval time.Duration
	Policies      []Policy
}

// DefaultRetentionConfig returns the production defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		CleanupHour:   DefaultCleanupHour,
		DeleteBatch:   DefaultDeleteBatch,
		RetryInterval: DefaultRetryInterval,
		Policies:      DefaultPolicies(),
	}
}

// Retention enforces the per-table windows. Deliberately no VACUUM: the
// nightly job only deletes.
type Retention struct {
	cfg    RetentionConfig
	st     *store.Store
	jrnl   *journal.Journal
	logger *logging.Logger

	// OnPurged observes per-table purge counts for instrumentation.
	OnPurged func(table string, rows int64)

	nudge chan struct{}
}

// NewRetention creates the manager. jrnl may be nil in tests; purges then go
// unjournaled.
func NewRetention(cfg RetentionConfig, st *store.Store, jrnl *journal.Journal, logger *logging.Logger) *Retention {
	if logger == nil {
		logger = logging.WithComponent("retention")
	}
	if cfg.DeleteBatch <= 0 {
		cfg.DeleteBatch = DefaultDeleteBatch
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if len(cfg.Policies) == 0 {
		cfg.Policies = DefaultPolicies()
	}
	return &Retention{
		cfg:    cfg,
		st:     st,
		jrnl:   jrnl,
		logger: logger,
		nudge:  make(chan struct{}, 1),
	}
}

// Nudge requests an early run (disk-full shedding).
func (r *Retention) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Run sleeps until the next cleanup hour, runs the purge, and repeats.
// Failures retry hourly and never block anything else.
func (r *Retention) Run(ctx context.Context) {
	for {
		wait := r.untilNextRun()
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.nudge:
			timer.Stop()
		case <-timer.C:
		}

		if err := r.RunOnce(); err != nil {
			r.logger.Error("retention run failed, retrying hourly", "error", err)
			retry := time.NewTimer(r.cfg.RetryInterval)
			select {
			case <-ctx.Done():
				retry.Stop()
				return
			case <-retry.C:
			}
		}
	}
}

// untilNextRun computes the wait to the next cleanup hour, local time.
func (r *Retention) untilNextRun() time.Duration {
	now := clock.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), r.cfg.CleanupHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// RunOnce purges every policy table in delete batches.
func (r *Retention) RunOnce() error {
	nowUTC := clock.Now().UTC()
	purged := make(map[string]int64)

	for _, p := range r.cfg.Policies {
		cutoff := nowUTC.AddDate(0, 0, -p.WindowDays).UnixMilli()

		var total int64
		for {
			n, err := r.st.ExecCount(p.DeleteStmt, cutoff, r.cfg.DeleteBatch)
			if err != nil {
				return err
			}
			total += n
			if n < int64(r.cfg.DeleteBatch) {
				break
			}
		}
		if total > 0 {
			purged[p.Table] = total
			r.logger.Info("retention purge", "table", p.Table, "rows", total, "window_days", p.WindowDays)
			if r.OnPurged != nil {
				r.OnPurged(p.Table, total)
			}
		}
	}

	// Retention deletion on the journal is the one sanctioned in-place
	// removal; it leaves a single entry describing the purge.
	if len(purged) > 0 && r.jrnl != nil {
		details := make(map[string]any, len(purged))
		for table, rows := range purged {
			details[table] = rows
		}
		if err := r.jrnl.Append(journal.Record{
			Action:  journal.ActionRetentionPurge,
			Result:  journal.ResultSuccess,
			Details: details,
		}); err != nil {
			return err
		}
	}
	return nil
}
