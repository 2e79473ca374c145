package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

const stateChannel = "workflow_states"

// notificationListener turns NOTIFY messages on the state channel into a broadcast: the
// channel returned by changed is closed and replaced on every notification.
type notificationListener struct {
	dsn    string
	logger *slog.Logger

	listener *pq.Listener

	mu      sync.Mutex
	current chan struct{}
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newNotificationListener(dsn string, logger *slog.Logger) *notificationListener {
	return &notificationListener{
		dsn:     dsn,
		logger:  logger,
		current: make(chan struct{}),
	}
}

// Start begins listening for notifications
func (nl *notificationListener) Start() error {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	if nl.started {
		return nil
	}

	nl.listener = pq.NewListener(nl.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			nl.logger.Error("state listener event", "event", ev, "error", err)
		}
	})

	if err := nl.listener.Listen(stateChannel); err != nil {
		nl.listener.Close()
		return fmt.Errorf("listening to state channel: %w", err)
	}

	var ctx context.Context
	ctx, nl.cancel = context.WithCancel(context.Background())
	nl.started = true

	nl.wg.Add(1)
	go nl.handleNotifications(ctx)

	return nil
}

// Close stops the listener
func (nl *notificationListener) Close() error {
	nl.mu.Lock()
	if nl.closed || !nl.started {
		nl.closed = true
		nl.mu.Unlock()
		return nil
	}
	nl.closed = true
	nl.cancel()
	nl.mu.Unlock()

	nl.wg.Wait()

	if err := nl.listener.Close(); err != nil {
		return fmt.Errorf("closing state listener: %w", err)
	}

	return nil
}

func (nl *notificationListener) changed() <-chan struct{} {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	return nl.current
}

func (nl *notificationListener) broadcast() {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	close(nl.current)
	nl.current = make(chan struct{})
}

func (nl *notificationListener) handleNotifications(ctx context.Context) {
	defer nl.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-nl.listener.Notify:
			if !ok {
				return
			}

			// A nil notification follows a reconnect, states may have changed in between
			nl.broadcast()
		case <-time.After(90 * time.Second):
			// Periodic ping to keep connection alive
			if err := nl.listener.Ping(); err != nil {
				nl.logger.Error("state listener ping failed", "error", err)
			}
		}
	}
}
