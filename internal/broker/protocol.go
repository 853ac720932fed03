package broker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"heracles-go/internal/model"
)

// frameType distinguishes the handful of messages exchanged over a connection.
type frameType string

const (
	frameDeclare frameType = "DECLARE" // ensure the durable queue exists
	framePublish frameType = "PUBLISH" // publisher -> broker: new task
	frameAck     frameType = "ACK"     // broker -> publisher: task processed
	frameNack    frameType = "NACK"    // broker -> publisher: task rejected
	frameConsume frameType = "CONSUME" // worker -> broker: begin receiving deliveries
	frameDeliver frameType = "DELIVER" // broker -> worker: here is a task
	frameDone    frameType = "DONE"    // worker -> broker: delivery succeeded
	frameFailed  frameType = "FAILED"  // worker -> broker: delivery failed
)

// frame is the single message envelope for the wire protocol: a 4-byte
// big-endian length prefix followed by this struct JSON-encoded. QueueName
// selects the durable queue a PUBLISH/CONSUME/DELIVER applies to; TaskID
// correlates ACK/NACK frames back to the publish that produced them.
type frame struct {
	Type      frameType   `json:"type"`
	QueueName string      `json:"queue_name,omitempty"`
	TaskID    string      `json:"task_id,omitempty"`
	Task      *model.Task `json:"task,omitempty"`
}

const maxFrameSize = 256 * 1024 * 1024

func writeFrame(w io.Writer, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("broker: encode frame: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("broker: write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("broker: write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return frame{}, fmt.Errorf("broker: frame of %d bytes exceeds limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, fmt.Errorf("broker: read frame body: %w", err)
	}
	var f frame
	if err := json.Unmarshal(buf, &f); err != nil {
		return frame{}, fmt.Errorf("broker: decode frame: %w", err)
	}
	return f, nil
}
