package broker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"heracles-go/internal/herrors"
	"heracles-go/internal/model"
)

// tcpConnection is the production Connection: one TCP session to the broker,
// multiplexing many outstanding publishes keyed by task ID. A single background
// goroutine reads ACK/NACK frames off the socket and resolves the matching
// pending channel, so Send itself never blocks on the network round trip.
type tcpConnection struct {
	cfg  Config
	conn net.Conn

	mu      sync.Mutex
	pending map[string]chan Ack
	closed  bool
}

// Connect dials addr and declares the durable queue named in cfg, the Go
// counterpart of the reference connect(addr) establishing a channel and calling
// queue_declare with durable: true.
func Connect(ctx context.Context, cfg Config) (Connection, error) {
	dialer := net.Dialer{Timeout: time.Duration(cfg.DialTimeout) * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, herrors.TransientBroker(err, "broker: dial %s", cfg.Address)
	}

	c := &tcpConnection{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[string]chan Ack),
	}

	if err := writeFrame(conn, frame{Type: frameDeclare, QueueName: cfg.QueueName}); err != nil {
		_ = conn.Close()
		return nil, herrors.TransientBroker(err, "broker: declare queue %s", cfg.QueueName)
	}

	go c.readLoop()
	return c, nil
}

// Send publishes task and returns a channel that resolves exactly once with the
// broker's eventual ack for it.
func (c *tcpConnection) Send(ctx context.Context, task *model.Task) (<-chan Ack, error) {
	result := make(chan Ack, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, herrors.TransientBroker(fmt.Errorf("connection closed"), "broker: send task %s", task.ID)
	}
	c.pending[task.ID] = result
	c.mu.Unlock()

	if err := writeFrame(c.conn, frame{
		Type:      framePublish,
		QueueName: c.cfg.QueueName,
		TaskID:    task.ID,
		Task:      task,
	}); err != nil {
		c.mu.Lock()
		delete(c.pending, task.ID)
		c.mu.Unlock()
		return nil, herrors.TransientBroker(err, "broker: publish task %s", task.ID)
	}

	return result, nil
}

// readLoop drains ACK/NACK frames off the socket for the lifetime of the
// connection, resolving each corresponding pending Send.
func (c *tcpConnection) readLoop() {
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			c.drainPending(AckUnknown)
			return
		}
		switch f.Type {
		case frameAck:
			c.resolve(f.TaskID, AckSuccess)
		case frameNack:
			c.resolve(f.TaskID, AckFailure)
		}
	}
}

func (c *tcpConnection) resolve(taskID string, ack Ack) {
	c.mu.Lock()
	ch, ok := c.pending[taskID]
	if ok {
		delete(c.pending, taskID)
	}
	c.mu.Unlock()
	if ok {
		ch <- ack
		close(ch)
	}
}

func (c *tcpConnection) drainPending(ack Ack) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan Ack)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- ack
		close(ch)
	}
}

// Close releases the TCP connection and resolves any still-outstanding sends
// with AckUnknown, since their fate is now unknowable.
func (c *tcpConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	c.drainPending(AckUnknown)
	return err
}
