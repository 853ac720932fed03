// Package broker provides the durable-queue client contract the scheduler uses to
// hand Tasks off to workers, the Go counterpart of the reference
// AMQPBrokerConnection (manager/src/broker/amqp.rs). The wire protocol (AMQP 0.9.1
// there) is abstracted behind Connection; any durable pub-sub with per-message
// acknowledgement can sit behind this interface. No AMQP or message-queue client
// library is available anywhere in the reference corpus, so the production
// transport here is a small length-prefixed JSON protocol over net.Conn, backed
// on the server side by go.etcd.io/bbolt for durability -- see protocol.go.
package broker

import (
	"context"

	"heracles-go/internal/model"
)

// Ack is the three-valued outcome of publishing a task, mirroring the
// reference's Option<bool>: AckSuccess is Some(true), AckFailure is Some(false),
// and AckUnknown is None -- no acknowledgement is available for the task. The
// TCP client in this package produces AckUnknown when its connection is lost or
// closed before the task's ACK/NACK arrives.
type Ack int

const (
	AckUnknown Ack = iota
	AckSuccess
	AckFailure
)

func (a Ack) String() string {
	switch a {
	case AckSuccess:
		return "success"
	case AckFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Connection publishes Tasks to a durable queue and reports, asynchronously, the
// eventual per-message acknowledgement. A Connection is safe for concurrent use
// by multiple goroutines, since the scheduler's fan-out dispatches many tasks
// over one shared connection at a time.
type Connection interface {
	// Send publishes task and returns a channel that receives exactly one Ack
	// once the broker resolves it, then closes. If the connection is already
	// closed or the publish cannot be written, Send returns a transient-broker
	// error instead of a channel; if the connection fails after the publish was
	// written, the channel receives AckUnknown.
	Send(ctx context.Context, task *model.Task) (<-chan Ack, error)

	// Close releases the underlying transport. Pending Sends are resolved with
	// AckUnknown before their channels close.
	Close() error
}

// Config parameterizes a broker connection.
type Config struct {
	Address     string
	QueueName   string
	DialTimeout int // seconds
}
