package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	d := NewDispatcher(NewJSONWriterSink(&buf), 8)

	for i := 0; i < 5; i++ {
		ev := New("check_user")
		ev.Login = "alice"
		ev.Outcome = "rejected"
		d.Emit(ev)
	}
	d.Close()

	scanner := bufio.NewScanner(&buf)
	n := 0
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		assert.Equal(t, "check_user", ev.Action)
		assert.Equal(t, "alice", ev.Login)
		assert.NotEmpty(t, ev.EventID)
		n++
	}
	assert.Equal(t, 5, n)
}

func TestNilDispatcher(t *testing.T) {
	var d *Dispatcher
	d.Emit(New("check_serial"))
	d.Close()
}

type blockingSink struct {
	mu    sync.Mutex
	n     int
	block chan struct{}
}

func (s *blockingSink) Emit(_ context.Context, _ Event) {
	<-s.block
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// A full buffer drops events instead of blocking the caller.
func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &blockingSink{block: make(chan struct{})}
	d := NewDispatcher(sink, 1)

	for i := 0; i < 10; i++ {
		d.Emit(New("check_user"))
	}
	close(sink.block)
	d.Close()

	assert.LessOrEqual(t, sink.count(), 10)
	assert.GreaterOrEqual(t, sink.count(), 1)
}
