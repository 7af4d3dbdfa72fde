package main

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a session failure.
type ErrorKind int

const (
	KindProtocol ErrorKind = iota + 1
	KindResolution
	KindSecurity
	KindConnect
	KindIO
	KindFraming
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindResolution:
		return "resolution"
	case KindSecurity:
		return "security"
	case KindConnect:
		return "connect"
	case KindIO:
		return "io"
	case KindFraming:
		return "framing"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownCommand  = errors.New("command unimplemented")
	ErrNotRoutable     = errors.New("the provided host cannot be globally routed")
	ErrNoAddress       = errors.New("unable to resolve IP")
	ErrRemoteClosed    = errors.New("connection closed")
	ErrClientGone      = errors.New("client connection disconnected")
	ErrSessionClosed   = errors.New("session closed")
	ErrBufferExhausted = errors.New("exhausted buffer")
	ErrFrameLimit      = errors.New("limit reached")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrBadKey          = errors.New("incorrect client data")
	ErrHeaderMissing   = errors.New("header not found")
)

// GatewayError is a session-scoped failure. None of them are fatal to the process.
type GatewayError struct {
	Kind ErrorKind
	Op   string // "command", "resolve", "dial", "tls", "read", "write", "handshake", "frame"
	Addr string // host:port, peer or header name when relevant
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op, addr string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Op: op, Addr: addr, Err: err}
}

func protocolError(err error) error { return newError(KindProtocol, "command", "", err) }

func framingError(op string, err error) error { return newError(KindFraming, op, "", err) }

func ioError(op, addr string, err error) error { return newError(KindIO, op, addr, err) }

// KindOf returns the kind of the first GatewayError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}
