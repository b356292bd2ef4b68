package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"flockd/internal/eventbus"
	"flockd/internal/runtime/supervisor"
	logx "flockd/pkg/logx"
)

type recordSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordSender) Send(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func startService(t *testing.T, cfg Config, sender Sender, bus eventbus.Bus) *Service {
	t.Helper()
	sup := supervisor.New(context.Background(), supervisor.WithLogger(logx.Nop()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sup.Stop(ctx)
	})
	svc := New(cfg, sender, logx.Nop())
	svc.Start(sup, bus)
	return svc
}

func TestAlertDelivered(t *testing.T) {
	t.Parallel()
	sender := &recordSender{}
	svc := startService(t, Config{Enabled: true, RatePerSec: 1000}, sender, nil)

	if err := svc.Alert("account 3 banned"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	waitFor(t, func() bool { return len(sender.texts()) == 1 })
	if got := sender.texts()[0]; got != "account 3 banned" {
		t.Fatalf("wrong text: %q", got)
	}
}

func TestAlertDisabled(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: false}, &recordSender{}, logx.Nop())
	if err := svc.Alert("x"); err != ErrDisabled {
		t.Fatalf("want ErrDisabled, got %v", err)
	}
}

func TestAlertQueueFullDrops(t *testing.T) {
	t.Parallel()
	// No drain worker started, so the queue only fills.
	svc := New(Config{Enabled: true, QueueSize: 2}, &recordSender{}, logx.Nop())
	if err := svc.Alert("a"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := svc.Alert("b"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := svc.Alert("c"); err != ErrQueueFull {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
}

func TestStopRejectsAlerts(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true}, &recordSender{}, logx.Nop())
	svc.Stop()
	if err := svc.Alert("x"); err != ErrDisabled {
		t.Fatalf("want ErrDisabled after Stop, got %v", err)
	}
}

func TestBusEventsFiltered(t *testing.T) {
	t.Parallel()
	sender := &recordSender{}
	bus := eventbus.New()
	startService(t, Config{Enabled: true, RatePerSec: 1000}, sender, bus)

	// Give the subscription worker a moment to attach.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{Type: "account.floodwait", Data: map[string]any{"account": 1}})
	bus.Publish(eventbus.Event{Type: "account.banned", Data: map[string]any{"account": 2}})
	bus.Publish(eventbus.Event{Type: "watch.live", Data: map[string]any{"target": "@g"}})
	bus.Publish(eventbus.Event{Type: "retry.exhausted", Data: map[string]any{"account": 3}})

	waitFor(t, func() bool { return len(sender.texts()) == 2 })
	time.Sleep(50 * time.Millisecond)
	got := sender.texts()
	if len(got) != 2 {
		t.Fatalf("routine events must not alert: %v", got)
	}
	if !strings.Contains(got[0], "account.banned") || !strings.Contains(got[1], "retry.exhausted") {
		t.Fatalf("unexpected alerts: %v", got)
	}
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()
	got := formatEvent(eventbus.Event{Type: "account.banned", Data: map[string]any{"account": int64(7)}})
	if !strings.HasPrefix(got, "flockd: account.banned") || !strings.Contains(got, "7") {
		t.Fatalf("format: %q", got)
	}
	bare := formatEvent(eventbus.Event{Type: "retry.exhausted"})
	if bare != "flockd: retry.exhausted" {
		t.Fatalf("bare format: %q", bare)
	}
}
