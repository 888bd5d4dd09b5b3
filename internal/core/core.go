// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package core is the orchestrator: it owns every component, constructs
// them in dependency order with explicit collaborator references, and shuts
// them down in reverse with a final persistence drain.
package core

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"zmed.io/zmonitor/internal/admission"
	"zmed.io/zmonitor/internal/alarm"
	"zmed.io/zmonitor/internal/api"
	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/config"
	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/ingress"
	"zmed.io/zmonitor/internal/journal"
	"zmed.io/zmonitor/internal/keystore"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/metrics"
	"zmed.io/zmonitor/internal/notification"
	"zmed.io/zmonitor/internal/persist"
	"zmed.io/zmonitor/internal/settings"
	"zmed.io/zmonitor/internal/status"
	"zmed.io/zmonitor/internal/store"
	"zmed.io/zmonitor/internal/telemetry"
	"zmed.io/zmonitor/internal/transport"
	"zmed.io/zmonitor/internal/vitals"
	"zmed.io/zmonitor/internal/watchdog"
)

// realtimeTick drives the alarm engine's timers and the batcher's age
// trigger.
const realtimeTick = 100 * time.Millisecond

// heartbeatBatchInterval paces standby device-status batches.
const heartbeatBatchInterval = 30 * time.Second

// certCheckInterval re-evaluates certificate expiry.
const certCheckInterval = 24 * time.Hour

// Core owns the component graph.
type Core struct {
	cfg    *config.Config
	logger *logging.Logger

	signals  *bus.Bus
	tracker  *status.Tracker
	metrics  *metrics.Registry
	st       *store.Store
	jrnl     *journal.Journal
	ks       *keystore.Keystore
	sets     *settings.Settings
	cache    *vitals.Cache
	waveform *vitals.WaveformRing
	resolver *alarm.Resolver
	engine   *alarm.Engine
	queue    *telemetry.Queue
	batcher  *telemetry.Batcher
	reader   *ingress.Reader
	sched    *persist.Scheduler
	retain   *persist.Retention
	trans    *transport.Transport
	dog      *watchdog.Watchdog
	notify   *notification.Dispatcher
	ops      *api.Server
	adm      *admission.Handler

	hbRealtime atomic.Int64
	hbDatabase atomic.Int64
	hbNetwork  atomic.Int64

	// dbTasks carries bookkeeping writes from the real-time context to the
	// database side.
	dbTasks chan func()
	dbDone  chan struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New constructs the full graph in dependency order. Nothing runs yet;
// Start launches the contexts.
func New(cfg *config.Config, logger *logging.Logger) (*Core, error) {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Core{
		cfg:     cfg,
		logger:  logger.WithComponent("core"),
		dbTasks: make(chan func(), 4096),
		dbDone:  make(chan struct{}),
	}

	c.signals = bus.New(logger.WithComponent("bus"))
	c.tracker = status.New(c.signals, logger.WithComponent("status"))
	c.metrics = metrics.New()

	// Store first: everything durable hangs off it.
	secret, err := cfg.MasterSecret()
	if err != nil {
		return nil, err
	}
	c.st, err = store.Open(cfg.DatabasePath(), secret, logger.WithComponent("store"))
	if err != nil {
		return nil, err
	}

	c.jrnl, err = journal.New(c.st, cfg.DeviceID, logger.WithComponent("journal"))
	if err != nil {
		c.st.Close()
		return nil, err
	}

	c.sets, err = settings.New(c.st, logger.WithComponent("settings"))
	if err != nil {
		c.st.Close()
		return nil, err
	}

	// Credential triple; a certificate that fails validation fails startup.
	c.ks, err = keystore.Open(keystore.Config{
		CertPath:   cfg.Security.CertPath,
		KeyPath:    cfg.Security.KeyPath,
		AnchorPath: cfg.Security.AnchorPath,
		CRLPath:    cfg.Security.CRLPath,
		DeviceID:   cfg.DeviceID,
	}, logger.WithComponent("keystore"))
	if err != nil {
		c.jrnl.AppendSecurity(journal.SecurityCertValidateFail, journal.SeverityCritical, "", false, err.Error())
		c.st.Close()
		return nil, err
	}

	// Caches.
	c.cache = vitals.NewCache(0)
	c.waveform = vitals.NewWaveformRing(0)
	c.cache.OnUnpersistedEvict(func(r vitals.Record) {
		c.signals.Publish(bus.UnpersistedEvicted{Record: r})
	})

	// Thresholds: device profile is optional; physiological fallbacks
	// always apply.
	c.resolver = alarm.NewResolver()
	if _, statErr := os.Stat(cfg.ThresholdProfile); statErr == nil {
		if err := c.resolver.LoadProfile(cfg.ThresholdProfile); err != nil {
			c.st.Close()
			return nil, err
		}
	}

	// Alarm engine with its sinks.
	c.engine = alarm.NewEngine(alarm.DefaultConfig(), c.resolver, c.signals, logger.WithComponent("alarm"))
	c.engine.AttachContext(c.cache, c.waveform)

	// Telemetry path.
	c.queue = telemetry.NewQueue(telemetry.DefaultQueueCapacity)
	c.batcher = telemetry.NewBatcher(cfg.DeviceID, cfg.DeviceLabel, c.ks.Handle(), c.queue, c.signals, logger.WithComponent("telemetry"))
	c.batcher.SetMetaSink(&batchMeta{core: c})
	c.engine.AddSink(c.batcher)
	c.engine.AddSink(&journalSink{core: c})
	c.engine.AddSink(&alarmPersistSink{core: c})
	c.engine.AddSink(&metricsSink{m: c.metrics})

	// Sensor ingress feeds the real-time pipeline.
	c.reader = ingress.NewReader(ingress.Config{
		SocketPath: cfg.SensorSocket,
		DeviceID:   cfg.DeviceID,
	}, c.signals, logger.WithComponent("ingress"))
	c.reader.SetThreadHeartbeat(&c.hbRealtime)
	c.reader.OnVital(c.onVital)
	c.reader.OnWaveform(c.onWaveform)

	// Database context.
	c.sched = persist.NewScheduler(persist.DefaultSchedulerConfig(), c.cache, c.st, logger.WithComponent("persist"))
	c.sched.SetThreadHeartbeat(&c.hbDatabase)
	c.sched.OnFailure = func(err error) {
		c.tracker.Set(status.DegradedPersistence, true)
		if errors.Is(err, errors.ErrStoreFull) {
			c.retain.Nudge()
		}
	}
	c.sched.OnRecover = func() { c.tracker.Set(status.DegradedPersistence, false) }
	c.sched.OnDrained = func(records int, elapsed time.Duration) {
		c.metrics.DrainedRecords.Add(float64(records))
		c.metrics.DrainDuration.Observe(elapsed.Seconds())
	}

	c.retain = persist.NewRetention(c.retentionConfig(), c.st, c.jrnl, logger.WithComponent("retention"))
	c.retain.OnPurged = func(table string, rows int64) {
		c.metrics.RetentionRows.WithLabelValues(table).Add(float64(rows))
	}

	// Network context.
	c.trans = transport.New(transport.Config{
		URL:        cfg.Telemetry.URL,
		ProbeHost:  cfg.Telemetry.ProbeHost,
		MaxRetries: int(c.sets.GetInt(settings.KeyNetRetryAttempts)),
		BaseBackoff: time.Duration(c.sets.GetInt(settings.KeyNetRetryDelay)) * time.Second,
	}, c.queue, telemetry.JSONCodec{}, c.ks, c.signals, logger.WithComponent("transport"))
	c.trans.SetThreadHeartbeat(&c.hbNetwork)
	c.trans.SetAckSink(&ackMeta{core: c})
	c.trans.OnStateChange(func(online bool) {
		c.tracker.Set(status.DegradedNetwork, !online)
	})

	// Watchdog over the three contexts.
	c.dog = watchdog.New(c.jrnl, c.signals, logger.WithComponent("watchdog"))
	c.dog.Watch(watchdog.Target{
		Name: "realtime", Heartbeat: &c.hbRealtime,
		Threshold: watchdog.ThresholdRealtime,
		// Restart stays off: a restarted poll loop would mask hard faults.
	})
	c.dog.Watch(watchdog.Target{
		Name: "database", Heartbeat: &c.hbDatabase,
		Threshold: watchdog.ThresholdDatabase,
	})
	c.dog.Watch(watchdog.Target{
		Name: "network", Heartbeat: &c.hbNetwork,
		Threshold: watchdog.ThresholdNetwork,
	})

	c.notify = notification.NewDispatcher(cfg.Notifications, logger.WithComponent("notification"))
	c.ops = api.New(cfg.Ops.Listen, c.tracker, c.jrnl, c.metrics, c.signals, logger.WithComponent("api"))
	c.adm = admission.New(c.st, c.jrnl, c.batcher, c.engine, c.resolver, logger.WithComponent("admission"))

	c.registerGauges()
	return c, nil
}

// Admission exposes the inbound collaborator surface.
func (c *Core) Admission() *admission.Handler { return c.adm }

// retentionConfig folds settings-table overrides into the defaults.
func (c *Core) retentionConfig() persist.RetentionConfig {
	cfg := persist.DefaultRetentionConfig()
	for i, p := range cfg.Policies {
		key := "data.retention." + p.Table + ".days"
		if days := c.sets.GetInt(key); days > 0 {
			cfg.Policies[i].WindowDays = int(days)
		}
	}
	return cfg
}

func (c *Core) registerGauges() {
	c.metrics.RegisterGaugeFunc("zmonitor_cache_utilization",
		"Vitals cache fill ratio.", c.cache.Utilization)
	c.metrics.RegisterGaugeFunc("zmonitor_cache_unpersisted",
		"Unpersisted records in the vitals cache.",
		func() float64 { return float64(c.cache.UnpersistedCount()) })
	c.metrics.RegisterGaugeFunc("zmonitor_telemetry_queue_depth",
		"Sealed batches awaiting transport.",
		func() float64 { return float64(c.queue.Len()) })
}

// onVital is the real-time record path: cache, display, alarm evaluation,
// telemetry.
func (c *Core) onVital(r vitals.Record) {
	c.cache.Append(r)
	c.metrics.VitalsIngested.Inc()
	c.signals.Publish(bus.VitalsUpdated{Record: r})
	c.engine.Evaluate(r)
	c.batcher.Add(r)
}

func (c *Core) onWaveform(samples []vitals.Sample) {
	for _, s := range samples {
		c.waveform.Append(s)
	}
	c.metrics.WaveformSamples.Add(float64(len(samples)))
	c.signals.Publish(bus.WaveformWindow{Samples: samples})
}

// Start launches every context. The sensor attach failure is fatal; the
// rest of the graph keeps running through degraded modes instead.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	// Record the installed certificate and surface expiry pressure.
	c.recordCertificate()

	// Startup chain verification: a broken chain is critical but the
	// monitor still runs (alarms must continue).
	if _, err := c.jrnl.Verify(); err != nil {
		c.tracker.Set(status.CriticalIntegrity, true)
		c.jrnl.AppendSecurity(journal.SecurityChainBroken, journal.SeverityCritical, "", false, err.Error())
	}

	if err := c.jrnl.Append(journal.Record{
		Action: journal.ActionSystemStart,
		Result: journal.ResultSuccess,
	}); err != nil {
		return err
	}

	go c.runDBTasks()

	if err := c.ops.Start(); err != nil {
		return err
	}

	if err := c.reader.Start(); err != nil {
		c.logger.Error("sensor attach failed", "error", err)
		return err
	}

	c.watchSensorFaults(runCtx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.realtimeLoop(runCtx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sched.Run(runCtx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.retain.Run(runCtx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.trans.Run(runCtx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.trans.RunProbe(runCtx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dog.Run(runCtx)
	}()

	escalations := c.signals.Subscribe("notification", 64, bus.SignalNotifyEscalation)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.notify.Run(runCtx, escalations)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.certExpiryLoop(runCtx)
	}()

	c.started = true
	c.logger.Info("monitoring core started", "device_id", c.cfg.DeviceID)
	return nil
}

// realtimeLoop drives the time-based triggers of the real-time context and
// refreshes the slow-moving gauges.
func (c *Core) realtimeLoop(ctx context.Context) {
	ticker := time.NewTicker(realtimeTick)
	defer ticker.Stop()
	heartbeats := time.NewTicker(heartbeatBatchInterval)
	defer heartbeats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeats.C:
			c.batcher.SealHeartbeat()
		case <-ticker.C:
			c.engine.Tick()
			c.batcher.Tick()

			now := time.Now().UnixMilli()
			c.metrics.HeartbeatAge.WithLabelValues("realtime").Set(float64(now - c.hbRealtime.Load()))
			c.metrics.HeartbeatAge.WithLabelValues("database").Set(float64(now - c.hbDatabase.Load()))
			c.metrics.HeartbeatAge.WithLabelValues("network").Set(float64(now - c.hbNetwork.Load()))

			counts := c.engine.ActiveCount()
			for _, p := range []alarm.Priority{alarm.PriorityLow, alarm.PriorityMedium, alarm.PriorityHigh} {
				c.metrics.ActiveAlarms.WithLabelValues(p.String()).Set(float64(counts[p]))
			}
		}
	}
}

// watchSensorFaults maps ingress faults onto status and technical alarms.
func (c *Core) watchSensorFaults(ctx context.Context) {
	sub := c.signals.Subscribe("core-sensor", 64, bus.SignalSensorFault)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var stallAlarm string
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				f := ev.(bus.SensorFault)
				switch f.Kind {
				case bus.SensorFaultStall:
					c.metrics.SensorStalls.Inc()
					c.tracker.Set(status.DegradedSensor, true)
					stallAlarm = c.engine.RaiseTechnical("sensor heartbeat stalled", alarm.PriorityMedium)
				case bus.SensorFaultRecovered:
					c.tracker.Set(status.DegradedSensor, false)
					if stallAlarm != "" {
						c.engine.ResolveTechnical(stallAlarm)
						stallAlarm = ""
					}
				case bus.SensorFaultCRC:
					c.metrics.SlotCRCFailures.Inc()
					c.jrnl.AppendSecurity(journal.SecurityIntegrityViolation,
						journal.SeverityWarning, "", false, f.Detail)
				}
			}
		}
	}()
}

// recordCertificate upserts the installed certificate and publishes expiry
// pressure.
func (c *Core) recordCertificate() {
	rec := c.ks.Record()
	if err := c.st.Exec(store.StmtUpsertCertificate,
		rec.Serial, rec.Subject, rec.Issuer,
		rec.NotBefore.UnixMilli(), rec.NotAfter.UnixMilli(),
		string(rec.Status), rec.Fingerprint,
	); err != nil {
		c.logger.Error("recording certificate failed", "error", err)
	}

	days := c.ks.DaysUntilExpiry()
	switch {
	case c.ks.Expired():
		c.signals.Publish(bus.CertificateExpiryWarning{Days: days, Serial: rec.Serial, Critical: true})
		c.logger.Error("device certificate expired", "days", days)
	case days <= keystore.ErrorExpiryDays:
		c.signals.Publish(bus.CertificateExpiryWarning{Days: days, Serial: rec.Serial, Critical: true})
		c.logger.Error("device certificate expiring", "days", days)
	case days <= keystore.WarnExpiryDays:
		c.signals.Publish(bus.CertificateExpiryWarning{Days: days, Serial: rec.Serial})
		c.logger.Warn("device certificate expiring", "days", days)
	}
}

func (c *Core) certExpiryLoop(ctx context.Context) {
	ticker := time.NewTicker(certCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.recordCertificate()
		}
	}
}

// Stop shuts down in reverse dependency order, performing the final drain
// before the store closes.
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}

	c.logger.Info("monitoring core stopping")

	// Seal the open batch first: a record that made it into the batcher
	// should at least reach the durable batch table.
	c.batcher.Flush()

	// Stop the ingress before the contexts so no new records arrive
	// mid-shutdown.
	c.reader.Stop()

	// Signal every loop; the persistence scheduler performs its final
	// synchronous drain on the way out.
	c.cancel()
	c.wg.Wait()

	// Drain the bookkeeping task queue before the store closes.
	close(c.dbTasks)
	<-c.dbDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.ops.Stop(shutdownCtx)

	if err := c.jrnl.Append(journal.Record{
		Action: journal.ActionSystemStop,
		Result: journal.ResultSuccess,
	}); err != nil {
		c.logger.Error("journaling shutdown failed", "error", err)
	}

	if err := c.st.Close(); err != nil {
		c.logger.Error("closing store failed", "error", err)
	}
	c.started = false
	c.logger.Info("monitoring core stopped")
}
