package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"heracles-go/internal/broker"
	"heracles-go/internal/model"
)

// connManager holds the scheduler's single shared broker connection and repairs
// it in the background with exponential backoff when it drops, per the
// transient-broker-failure recovery policy: reconnect with backoff, let the
// ordinary task-retry threshold absorb whatever failed while disconnected.
type connManager struct {
	cfg    broker.Config
	logger zerolog.Logger

	mu      sync.RWMutex
	conn    broker.Connection
	dialing bool
}

func newConnManager(ctx context.Context, cfg broker.Config, logger zerolog.Logger) (*connManager, error) {
	conn, err := broker.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &connManager{cfg: cfg, logger: logger, conn: conn}, nil
}

func (m *connManager) send(ctx context.Context, task *model.Task) (<-chan broker.Ack, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	ch, err := conn.Send(ctx, task)
	if err != nil {
		m.triggerReconnect(ctx)
		return nil, err
	}
	return ch, nil
}

func (m *connManager) triggerReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.dialing {
		m.mu.Unlock()
		return
	}
	m.dialing = true
	m.mu.Unlock()

	go func() {
		backoff := time.Second
		const maxBackoff = 30 * time.Second
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn, err := broker.Connect(ctx, m.cfg)
			if err != nil {
				m.logger.Warn().Err(err).Dur("backoff", backoff).Msg("broker reconnect attempt failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			m.mu.Lock()
			m.conn = conn
			m.dialing = false
			m.mu.Unlock()
			m.logger.Info().Msg("broker connection restored")
			return
		}
	}()
}

func (m *connManager) close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn.Close()
}
