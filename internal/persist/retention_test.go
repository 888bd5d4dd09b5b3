// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/journal"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/vitals"
)

func TestRetentionPurgesOldRows(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	t.Cleanup(clock.Set(fake))

	st := testStore(t)
	jrnl, err := journal.New(st, "ZM-01", logging.NewNop())
	require.NoError(t, err)

	now := fake.Now()
	old := now.AddDate(0, 0, -10).UnixMilli()   // beyond the 7-day vitals window
	fresh := now.AddDate(0, 0, -2).UnixMilli()  // inside

	cache := vitals.NewCache(100)
	for i, ts := range []int64{old, old + 1, fresh} {
		cache.Append(vitals.Record{
			WallMillis: ts + int64(i), Metric: vitals.MetricHeartRate,
			Value: 70, Quality: vitals.QualityGood, DeviceID: "ZM-01",
		})
	}
	s := NewScheduler(DefaultSchedulerConfig(), cache, st, logging.NewNop())
	require.NoError(t, s.Drain())
	require.Equal(t, 3, countVitals(t, st))

	r := NewRetention(DefaultRetentionConfig(), st, jrnl, logging.NewNop())
	require.NoError(t, r.RunOnce())

	require.Equal(t, 1, countVitals(t, st), "rows older than the window are purged")

	// The purge itself leaves one journal entry.
	res, err := jrnl.Verify()
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Entries)
}

func TestRetentionBatchedDeletes(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	t.Cleanup(clock.Set(fake))

	st := testStore(t)

	old := fake.Now().AddDate(0, 0, -30).UnixMilli()
	cache := vitals.NewCache(100)
	for i := 0; i < 25; i++ {
		cache.Append(vitals.Record{
			WallMillis: old + int64(i), Metric: vitals.MetricHeartRate,
			Value: 70, Quality: vitals.QualityGood, DeviceID: "ZM-01",
		})
	}
	s := NewScheduler(DefaultSchedulerConfig(), cache, st, logging.NewNop())
	require.NoError(t, s.Drain())

	cfg := DefaultRetentionConfig()
	cfg.DeleteBatch = 10 // force three delete batches
	r := NewRetention(cfg, st, nil, logging.NewNop())
	require.NoError(t, r.RunOnce())

	require.Equal(t, 0, countVitals(t, st))
}

func TestUntilNextRun(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 8, 1, 1, 0, 0, 0, time.Local))
	t.Cleanup(clock.Set(fake))

	r := NewRetention(DefaultRetentionConfig(), nil, nil, logging.NewNop())
	require.Equal(t, 2*time.Hour, r.untilNextRun(), "01:00 -> 03:00 same day")

	fake.Advance(3 * time.Hour) // 04:00
	require.Equal(t, 23*time.Hour, r.untilNextRun(), "04:00 -> 03:00 next day")
}

func TestNudgeDoesNotBlock(t *testing.T) {
	r := NewRetention(DefaultRetentionConfig(), nil, nil, logging.NewNop())
	r.Nudge()
	r.Nudge() // second nudge coalesces
}
