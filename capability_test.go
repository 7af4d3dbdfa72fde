package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	written []string
	closed  int
	pings   int
}

func (r *recordingWriter) writer() outboxWriter {
	return outboxWriter{
		write: func(msg string) error { r.written = append(r.written, msg); return nil },
		close: func() error { r.closed++; return nil },
		ping:  func() error { r.pings++; return nil },
	}
}

func TestOutboxDrainsBeforeClose(t *testing.T) {
	box := newOutbox()
	box.Send("one")
	box.Send("two")
	box.Close()
	box.Close()

	rec := &recordingWriter{}
	err := box.pump(context.Background(), rec.writer())
	require.ErrorIs(t, err, errClosedByGateway)
	assert.Equal(t, []string{"one", "two"}, rec.written)
	assert.Equal(t, 1, rec.closed)

	// The writer is gone; Send must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < outboxDepth*2; i++ {
			box.Send("dropped")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked after the writer exited")
	}
}

func TestOutboxPings(t *testing.T) {
	box := newOutbox()
	tick := make(chan time.Time)
	rec := &recordingWriter{}
	w := rec.writer()
	w.tick = tick

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- box.pump(ctx, w) }()

	tick <- time.Now()
	tick <- time.Now()
	cancel()

	require.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 2, rec.pings)
}

func TestOutboxWriteError(t *testing.T) {
	box := newOutbox()
	boom := errors.New("broken pipe")
	box.Send("x")

	err := box.pump(context.Background(), outboxWriter{
		write: func(string) error { return boom },
		close: func() error { return nil },
	})
	assert.ErrorIs(t, err, boom)
}
