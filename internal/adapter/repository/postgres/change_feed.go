package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/query-compat/internal/domain"
)

const feedPingInterval = 90 * time.Second

// ChangeFeed delivers LISTEN/NOTIFY payloads from the store triggers. Notifications sent
// while the listener is disconnected are lost, so a Resync event is emitted at start and
// after every reconnect.
type ChangeFeed struct {
	listener *pq.Listener
	logger   *slog.Logger
}

// NewChangeFeed opens a dedicated listener connection and subscribes to channels.
func NewChangeFeed(connStr string, logger *slog.Logger, channels ...string) (*ChangeFeed, error) {
	logger = logger.With("component", "postgres_change_feed")
	report := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Warn("change feed disconnected", "error", err)
		case pq.ListenerEventReconnected:
			logger.Info("change feed reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Error("change feed connection attempt failed", "error", err)
		}
	}
	listener := pq.NewListener(connStr, 100*time.Millisecond, 10*time.Second, report)
	for _, ch := range channels {
		if err := listener.Listen(ch); err != nil {
			listener.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", ch, err)
		}
	}
	return &ChangeFeed{listener: listener, logger: logger}, nil
}

// Events forwards notifications until ctx is cancelled, then closes the channel.
func (f *ChangeFeed) Events(ctx context.Context) <-chan domain.ChangeEvent {
	out := make(chan domain.ChangeEvent, 256)
	go func() {
		defer close(out)
		send := func(ev domain.ChangeEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(domain.ChangeEvent{Resync: true}) {
			return
		}
		ping := time.NewTicker(feedPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-f.listener.Notify:
				// nil after a reconnect
				ev := domain.ChangeEvent{Resync: true}
				if n != nil {
					ev = domain.ChangeEvent{Channel: n.Channel, Payload: n.Extra}
				}
				if !send(ev) {
					return
				}
			case <-ping.C:
				go func() {
					if err := f.listener.Ping(); err != nil {
						f.logger.Warn("change feed ping failed", "error", err)
					}
				}()
			}
		}
	}()
	return out
}

func (f *ChangeFeed) Close() error {
	return f.listener.Close()
}
