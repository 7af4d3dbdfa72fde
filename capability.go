package main

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Capability is what a transport hands to a session: deliver a text payload
// to the client, and hang the client up. The session never touches the client
// socket directly.
type Capability interface {
	Send(msg string)
	Close()
}

// errClosedByGateway is returned by outbox.pump after a requested Close has
// been written to the client.
var errClosedByGateway = errors.New("closed by gateway")

const outboxDepth = 64

// outbox is the channel-backed Capability used by both transports. One writer
// goroutine per client drains it with pump, so writes to the client socket
// never race.
type outbox struct {
	msgs      chan string
	closeReq  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		msgs:     make(chan string, outboxDepth),
		closeReq: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Send queues msg. Once the writer has exited the message is dropped.
func (o *outbox) Send(msg string) {
	select {
	case o.msgs <- msg:
	case <-o.done:
	}
}

// Close asks the writer to flush what is queued and close the client.
func (o *outbox) Close() {
	o.closeOnce.Do(func() { close(o.closeReq) })
}

// outboxWriter is the transport-specific half of a pump.
type outboxWriter struct {
	write func(msg string) error
	close func() error
	tick  <-chan time.Time // optional keepalive
	ping  func() error
}

// pump writes queued messages until Close, a write error or ctx ends.
func (o *outbox) pump(ctx context.Context, w outboxWriter) error {
	defer close(o.done)
	for {
		select {
		case msg := <-o.msgs:
			if err := w.write(msg); err != nil {
				return err
			}
		case <-o.closeReq:
			// The session sends its error message right before Close;
			// make sure it goes out first.
			for drained := false; !drained; {
				select {
				case msg := <-o.msgs:
					if err := w.write(msg); err != nil {
						return err
					}
				default:
					drained = true
				}
			}
			if err := w.close(); err != nil {
				return err
			}
			return errClosedByGateway
		case <-w.tick:
			if err := w.ping(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
