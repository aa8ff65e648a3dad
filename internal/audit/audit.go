// Package audit dispatches authentication audit events to a pluggable
// sink without blocking the validation path.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event records one validation entry point invocation.
type Event struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"timestamp"`
	Action        string    `json:"action"` // check_user, check_serial, ...
	Login         string    `json:"login,omitempty"`
	Realm         string    `json:"realm,omitempty"`
	Serial        string    `json:"serial,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
}

// New stamps an event with an id and timestamp.
func New(action string) Event {
	return Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
	}
}

// Sink receives events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops everything.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// JSONWriterSink writes one JSON line per event.
type JSONWriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{w: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.w == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(data)
	_, _ = s.w.Write([]byte("\n"))
}

// Dispatcher decouples event emission from sink latency with a
// buffered channel and one drain goroutine. A full buffer drops the
// event rather than stall a validation request.
type Dispatcher struct {
	sink Sink
	ch   chan Event
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewDispatcher starts the drain goroutine. bufferSize <= 0 means 64.
func NewDispatcher(sink Sink, bufferSize int) *Dispatcher {
	if sink == nil {
		sink = NoOpSink{}
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	d := &Dispatcher{
		sink: sink,
		ch:   make(chan Event, bufferSize),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Emit queues an event. Safe to call on a nil dispatcher.
func (d *Dispatcher) Emit(event Event) {
	if d == nil {
		return
	}
	select {
	case d.ch <- event:
	case <-d.done:
	default:
	}
}

// Close drains pending events and stops the goroutine.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}
