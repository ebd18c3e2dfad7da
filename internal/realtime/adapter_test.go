package realtime

import (
	"testing"
	"time"

	"github.com/habitado/chatsync/internal/bus"
	"github.com/habitado/chatsync/internal/connectivity"
	"go.uber.org/zap"
)

func TestConnectWithUnreachableBrokerKeepsRetrying(t *testing.T) {
	b := bus.New()
	monitor := connectivity.NewMonitor(b)
	// Nothing listens on this port; the initial dial fails immediately.
	a := NewAdapter("nats://127.0.0.1:1", "self", 50*time.Millisecond, b, monitor, zap.NewNop())
	defer a.Close()

	if err := a.Connect(); err != nil {
		t.Fatalf("connect must not fail on an unreachable broker: %v", err)
	}
	if got := monitor.Current(); got != connectivity.Offline {
		t.Fatalf("monitor = %s, want offline while the dial retries", got)
	}
	// Subscriptions register client-side even before the first
	// successful connection, so startup order does not depend on the
	// broker being up.
	if err := a.Start(); err != nil {
		t.Fatalf("subscribe while disconnected: %v", err)
	}
	if len(a.subs) != 3 {
		t.Fatalf("expected 3 inbox subscriptions, got %d", len(a.subs))
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	b := bus.New()
	monitor := connectivity.NewMonitor(b)
	a := NewAdapter("://not-a-url", "self", 50*time.Millisecond, b, monitor, zap.NewNop())

	if err := a.Connect(); err == nil {
		a.Close()
		t.Fatal("expected a setup error for a malformed url")
	}
	if got := monitor.Current(); got != connectivity.Offline {
		t.Fatalf("monitor = %s, want offline", got)
	}
}
