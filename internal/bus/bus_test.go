// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bus

import (
	"testing"

	"zmed.io/zmonitor/internal/vitals"
)

func TestPublishFanOut(t *testing.T) {
	b := New(nil)
	a := b.Subscribe("a", 4)
	c := b.Subscribe("c", 4)

	b.Publish(VitalsUpdated{Record: vitals.Record{Value: 72}})

	for _, sub := range []*Subscription{a, c} {
		select {
		case e := <-sub.C:
			if e.EventName() != SignalVitalsUpdated {
				t.Fatalf("wrong event: %s", e.EventName())
			}
		default:
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestFilteredSubscription(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("alarms-only", 4, SignalAlarm)

	b.Publish(VitalsUpdated{})
	select {
	case <-sub.C:
		t.Fatal("filtered subscriber received unrelated event")
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("slow", 1)

	// Fill the buffer and keep publishing; all extra events must be shed.
	for i := 0; i < 10; i++ {
		b.Publish(SensorFault{Kind: SensorFaultCRC})
	}
	if sub.Dropped() != 9 {
		t.Fatalf("Dropped = %d, want 9", sub.Dropped())
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("x", 1)
	b.Unsubscribe(sub)

	if _, open := <-sub.C; open {
		t.Fatal("channel should be closed")
	}
	// Double unsubscribe must be safe.
	b.Unsubscribe(sub)

	// Publishing after unsubscribe must not panic.
	b.Publish(StatusChanged{Status: "OK"})
}
