package realtime

import (
	"fmt"
	"time"

	"github.com/habitado/chatsync/internal/bus"
	"github.com/habitado/chatsync/internal/connectivity"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Adapter bridges the NATS realtime channel onto the in-process bus.
// Raw subjects are decoded into typed events and republished under the
// rt. prefix; connection state changes feed the connectivity monitor,
// which makes the NATS connection double as the reachability signal.
type Adapter struct {
	url     string
	selfID  string
	wait    time.Duration
	bus     *bus.Bus
	monitor *connectivity.Monitor
	logger  *zap.Logger

	nc   *nats.Conn
	subs []*nats.Subscription
}

// NewAdapter creates an adapter for the given inbox owner.
func NewAdapter(url, selfID string, reconnectWait time.Duration, b *bus.Bus, m *connectivity.Monitor, logger *zap.Logger) *Adapter {
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	return &Adapter{
		url:     url,
		selfID:  selfID,
		wait:    reconnectWait,
		bus:     b,
		monitor: m,
		logger:  logger,
	}
}

// Connect dials the realtime channel. A failed initial dial does not
// error: the client keeps retrying in the background and the connect
// handler flips the monitor online once the broker is reachable, so a
// profile started while offline still delivers its journal after the
// first successful connection. Disconnects flip the monitor offline,
// reconnects flip it back online.
func (a *Adapter) Connect() error {
	nc, err := nats.Connect(a.url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(a.wait),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(_ *nats.Conn) {
			a.logger.Info("realtime channel connected")
			a.monitor.Set(connectivity.Online)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			a.logger.Warn("realtime channel disconnected", zap.Error(err))
			a.monitor.Set(connectivity.Offline)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			a.logger.Info("realtime channel reconnected")
			a.monitor.Set(connectivity.Online)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			a.logger.Info("realtime channel closed")
		}),
	)
	if err != nil {
		// Only option or URL errors reach here with retry-on-failed-
		// connect enabled.
		a.monitor.Set(connectivity.Offline)
		return fmt.Errorf("connect realtime channel: %w", err)
	}
	a.nc = nc
	if nc.Status() != nats.CONNECTED {
		a.logger.Warn("realtime channel unreachable, retrying in background", zap.String("url", a.url))
		a.monitor.Set(connectivity.Offline)
	}
	return nil
}

// Start subscribes to the self inbox subjects. Connect must have been
// called first; while the broker is still unreachable the subscriptions
// are buffered client-side and registered on the first connection.
func (a *Adapter) Start() error {
	if a.nc == nil {
		return fmt.Errorf("realtime channel not connected")
	}
	for subject, handler := range map[string]nats.MsgHandler{
		a.subject("message"): a.onMessage,
		a.subject("receipt"): a.onReceipt,
		a.subject("typing"):  a.onTyping,
	} {
		sub, err := a.nc.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		a.subs = append(a.subs, sub)
	}
	a.logger.Info("realtime inbox subscribed", zap.String("self_id", a.selfID))
	return nil
}

// Close drains subscriptions and closes the connection.
func (a *Adapter) Close() {
	for _, sub := range a.subs {
		_ = sub.Unsubscribe()
	}
	a.subs = nil
	if a.nc != nil {
		a.nc.Close()
		a.nc = nil
	}
}

func (a *Adapter) subject(kind string) string {
	return fmt.Sprintf("chat.%s.%s", a.selfID, kind)
}

func (a *Adapter) onMessage(m *nats.Msg) {
	ev, err := parseMessage(m.Data)
	if err != nil {
		a.logger.Warn("dropping malformed message event", zap.Error(err))
		return
	}
	a.bus.Publish(bus.Event{Kind: "rt.message", Payload: *ev})
}

func (a *Adapter) onReceipt(m *nats.Msg) {
	ev, err := parseReceipt(m.Data)
	if err != nil {
		a.logger.Warn("dropping malformed receipt event", zap.Error(err))
		return
	}
	a.bus.Publish(bus.Event{Kind: "rt.receipt", Payload: *ev})
}

func (a *Adapter) onTyping(m *nats.Msg) {
	ev, err := parseTyping(m.Data)
	if err != nil {
		a.logger.Warn("dropping malformed typing event", zap.Error(err))
		return
	}
	a.bus.Publish(bus.Event{Kind: "rt.typing", Payload: *ev})
}
