// Package brokertest is a minimal, single-process durable broker used to exercise
// internal/broker's client and consumer against something real in tests and local
// development. It is deliberately not part of the orchestrator core: the core's
// contract is the Connection/Consumer interfaces in internal/broker, never a
// specific broker implementation -- a production deployment points those
// interfaces at an actual broker instead of this fixture.
//
// Durability is backed by go.etcd.io/bbolt: every queued task is written to a
// bucket before it is handed to a consumer, and only removed once the consumer
// reports success, so a restart of this process does not lose queued work.
package brokertest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"go.etcd.io/bbolt"

	"heracles-go/internal/model"
)

var bucketName = []byte("queued")

type frame struct {
	Type      string      `json:"type"`
	QueueName string      `json:"queue_name,omitempty"`
	TaskID    string      `json:"task_id,omitempty"`
	Task      *model.Task `json:"task,omitempty"`
}

func writeFrame(w io.Writer, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	buf := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, err
	}
	var f frame
	err := json.Unmarshal(buf, &f)
	return f, err
}

// Server is a single-queue durable broker: one bbolt-backed FIFO, round-robin
// dispatch to whichever consumer connections are currently subscribed.
type Server struct {
	db       *bbolt.DB
	listener net.Listener

	mu        sync.Mutex
	queue     []*model.Task
	consumers []net.Conn
	nextIdx   int
	inflight  map[string]net.Conn // task ID -> publisher waiting on its ack
}

// New opens the bbolt file at dbPath and starts listening on addr.
func New(dbPath, addr string) (*Server, error) {
	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("brokertest: open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("brokertest: create bucket: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("brokertest: listen on %s: %w", addr, err)
	}

	s := &Server{db: db, listener: ln, inflight: make(map[string]net.Conn)}
	if err := s.loadQueued(); err != nil {
		_ = ln.Close()
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Addr returns the address the server is actually listening on, useful when New
// was called with a ":0" port for tests.
func (s *Server) Addr() string { return s.listener.Addr().String() }

func (s *Server) loadQueued() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(_, v []byte) error {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			s.queue = append(s.queue, &t)
			return nil
		})
	})
}

func (s *Server) persistQueued(task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(task.ID), data)
	})
}

func (s *Server) removeQueued(taskID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(taskID))
	})
}

// Run accepts connections until ctx is cancelled or Close is called.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return nil
		}
		go s.handleConn(conn)
	}
}

// Close shuts down the listener and the underlying database.
func (s *Server) Close() error {
	_ = s.listener.Close()
	return s.db.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	for {
		f, err := readFrame(conn)
		if err != nil {
			s.dropConsumer(conn)
			return
		}
		switch f.Type {
		case "DECLARE":
			// No-op: the bucket already exists for every queue this fixture serves.
		case "PUBLISH":
			s.publish(conn, f.Task)
		case "CONSUME":
			s.addConsumer(conn)
		case "DONE":
			s.resolve(f.TaskID, true)
		case "FAILED":
			s.resolve(f.TaskID, false)
		}
	}
}

func (s *Server) publish(publisher net.Conn, task *model.Task) {
	if task == nil {
		return
	}
	if err := s.persistQueued(task); err != nil {
		_ = writeFrame(publisher, frame{Type: "NACK", TaskID: task.ID})
		return
	}

	s.mu.Lock()
	s.inflight[task.ID] = publisher
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	s.dispatch()
}

// dispatch hands as many queued tasks as possible to available consumers,
// round-robin over the current subscriber list.
func (s *Server) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 && len(s.consumers) > 0 {
		task := s.queue[0]
		consumer := s.consumers[s.nextIdx%len(s.consumers)]
		s.nextIdx++

		if err := writeFrame(consumer, frame{Type: "DELIVER", TaskID: task.ID, Task: task}); err != nil {
			continue
		}
		s.queue = s.queue[1:]
	}
}

func (s *Server) addConsumer(conn net.Conn) {
	s.mu.Lock()
	s.consumers = append(s.consumers, conn)
	s.mu.Unlock()
	s.dispatch()
}

func (s *Server) dropConsumer(conn net.Conn) {
	s.mu.Lock()
	for i, c := range s.consumers {
		if c == conn {
			s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *Server) resolve(taskID string, success bool) {
	s.mu.Lock()
	publisher, ok := s.inflight[taskID]
	if ok {
		delete(s.inflight, taskID)
	}
	s.mu.Unlock()

	if success {
		_ = s.removeQueued(taskID)
	}
	if !ok {
		return
	}
	t := "ACK"
	if !success {
		t = "NACK"
	}
	_ = writeFrame(publisher, frame{Type: t, TaskID: taskID})
}
