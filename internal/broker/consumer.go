package broker

import (
	"context"
	"net"
	"time"

	"heracles-go/internal/herrors"
	"heracles-go/internal/model"
)

// Delivery is one task handed to a worker, paired with the function it must call
// to report the outcome back to the broker.
type Delivery struct {
	Task *model.Task

	ack func(success bool) error
}

// Done reports successful processing of the delivered task.
func (d Delivery) Done() error { return d.ack(true) }

// Failed reports that processing the delivered task failed.
func (d Delivery) Failed() error { return d.ack(false) }

// Consumer receives Tasks published to a queue, one at a time, and reports their
// outcome. It is the worker-side counterpart of Connection.
type Consumer interface {
	// Deliveries returns a channel of incoming tasks. It closes when the
	// connection is lost or Close is called.
	Deliveries() <-chan Delivery
	Close() error
}

type tcpConsumer struct {
	conn       net.Conn
	deliveries chan Delivery
}

// ConnectConsumer dials addr, declares the queue, and subscribes to receive its
// deliveries.
func ConnectConsumer(ctx context.Context, cfg Config) (Consumer, error) {
	dialer := net.Dialer{Timeout: time.Duration(cfg.DialTimeout) * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, herrors.TransientBroker(err, "broker: dial %s", cfg.Address)
	}

	if err := writeFrame(conn, frame{Type: frameDeclare, QueueName: cfg.QueueName}); err != nil {
		_ = conn.Close()
		return nil, herrors.TransientBroker(err, "broker: declare queue %s", cfg.QueueName)
	}
	if err := writeFrame(conn, frame{Type: frameConsume, QueueName: cfg.QueueName}); err != nil {
		_ = conn.Close()
		return nil, herrors.TransientBroker(err, "broker: subscribe to queue %s", cfg.QueueName)
	}

	c := &tcpConsumer{conn: conn, deliveries: make(chan Delivery)}
	go c.readLoop()
	return c, nil
}

func (c *tcpConsumer) readLoop() {
	defer close(c.deliveries)
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			return
		}
		if f.Type != frameDeliver || f.Task == nil {
			continue
		}
		taskID := f.TaskID
		c.deliveries <- Delivery{
			Task: f.Task,
			ack: func(success bool) error {
				t := frameDone
				if !success {
					t = frameFailed
				}
				return writeFrame(c.conn, frame{Type: t, TaskID: taskID})
			},
		}
	}
}

func (c *tcpConsumer) Deliveries() <-chan Delivery { return c.deliveries }

func (c *tcpConsumer) Close() error { return c.conn.Close() }
