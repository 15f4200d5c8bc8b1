package postgres

import (
	"encoding/json"
	"fmt"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/go-txn-kit/logging"
)

// CommitNotification is the payload announced on the commit channel for each
// appended commit record.
type CommitNotification struct {
	Version     uint64    `json:"version"`
	TxnID       string    `json:"txn_id"`
	CommittedAt time.Time `json:"committed_at"`
}

// CommitHandler is a function type for handling incoming commit notifications
type CommitHandler func(notification CommitNotification) error

// CommitListener manages a PostgreSQL LISTEN connection for real-time commit
// streaming across processes. It pairs with a CommitLog created with
// EnableNotify.
type CommitListener struct {
	listener *pq.Listener
	logger   *logging.Logger

	mu       stdSync.RWMutex
	handlers []CommitHandler
	closed   int32 // atomic

	done chan struct{}
}

// NewCommitListener creates a listener on the commit channel. minReconnect
// and maxReconnect bound pq's reconnection backoff.
func NewCommitListener(connectionString string, minReconnect, maxReconnect time.Duration) (*CommitListener, error) {
	if connectionString == "" {
		return nil, ErrInvalidConnection
	}
	if minReconnect == 0 {
		minReconnect = 10 * time.Second
	}
	if maxReconnect == 0 {
		maxReconnect = time.Minute
	}

	logger := logging.WithComponent(logging.Component("postgres-listener"))

	pqListener := pq.NewListener(connectionString, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Error("listener connection event", "event", int(ev), "error", err.Error())
		}
	})

	if err := pqListener.Listen(commitChannel); err != nil {
		pqListener.Close()
		return nil, fmt.Errorf("failed to LISTEN on %s: %w", commitChannel, err)
	}

	cl := &CommitListener{
		listener: pqListener,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go cl.run()
	return cl, nil
}

// Subscribe adds a handler invoked for every commit notification.
func (cl *CommitListener) Subscribe(handler CommitHandler) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.handlers = append(cl.handlers, handler)
}

func (cl *CommitListener) run() {
	for {
		select {
		case <-cl.done:
			return
		case notification, ok := <-cl.listener.Notify:
			if !ok {
				return
			}
			if notification == nil {
				// pq sends nil after a reconnect; observers may have missed
				// commits and should re-read the log.
				cl.logger.Warn("listener reconnected, notifications may have been missed")
				continue
			}
			cl.dispatch(notification.Extra)
		case <-time.After(90 * time.Second):
			// Periodic liveness check on an idle connection.
			go cl.listener.Ping()
		}
	}
}

func (cl *CommitListener) dispatch(payload string) {
	var notification CommitNotification
	if err := json.Unmarshal([]byte(payload), &notification); err != nil {
		cl.logger.Error("failed to parse commit notification", "error", err.Error())
		return
	}

	cl.mu.RLock()
	handlers := make([]CommitHandler, len(cl.handlers))
	copy(handlers, cl.handlers)
	cl.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(notification); err != nil {
			cl.logger.Error("commit notification handler failed",
				"version", notification.Version,
				"error", err.Error())
		}
	}
}

// Close stops the listener. Safe to call more than once.
func (cl *CommitListener) Close() error {
	if !atomic.CompareAndSwapInt32(&cl.closed, 0, 1) {
		return nil
	}
	close(cl.done)
	return cl.listener.Close()
}
