// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package transport

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

const (
	probeInterval = 10 * time.Second
	probeTimeout  = 3 * time.Second
)

// RunProbe pings the configured host while offline and logs at debug level
// whether it answered. The result changes neither the online state nor the
// status indicator. Delivery itself does not wait on the probe: the loop's
// own sends discover restoration.
func (t *Transport) RunProbe(ctx context.Context) {
	if t.cfg.ProbeHost == "" {
		return
	}

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.Online() {
				continue
			}
			reachable := t.probeOnce()
			t.logger.Debug("connectivity probe", "host", t.cfg.ProbeHost, "reachable", reachable)
		}
	}
}

func (t *Transport) probeOnce() bool {
	pinger, err := probing.NewPinger(t.cfg.ProbeHost)
	if err != nil {
		return false
	}
	pinger.Count = 1
	pinger.Timeout = probeTimeout
	// Unprivileged UDP ping: the monitor runs without CAP_NET_RAW.
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
