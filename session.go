package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const connectCommand = "PHUD:CONNECT"

// inboundDepth bounds how many client lines may queue while a session is
// still resolving or connecting.
const inboundDepth = 64

// clientMessage is the only envelope the client ever receives.
type clientMessage struct {
	Message string `json:"message"`
}

// Gateway owns what sessions share: the immutable config, the target guard
// and the outbound dialer. It is the single entry point for both transports.
type Gateway struct {
	ctx     context.Context
	cfg     *Config
	log     *logrus.Logger
	guard   *targetGuard
	dialer  proxy.ContextDialer
	metrics *gatewayMetrics
}

// NewGateway builds a Gateway. Sessions started from it stop when ctx ends.
func NewGateway(ctx context.Context, cfg *Config, log *logrus.Logger, metrics *gatewayMetrics, localIP netip.Addr) (*Gateway, error) {
	dialer, err := CreateProxyDialer(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		ctx: ctx,
		cfg: cfg,
		log: log,
		guard: &targetGuard{
			resolver:     net.DefaultResolver,
			allowPrivate: cfg.Security.AllowPrivateConnections,
			localIP:      localIP,
		},
		dialer:  dialer,
		metrics: metrics,
	}, nil
}

// Session is one client's proxied telnet connection. The transport feeds it
// with Deliver and tells it the client went away with Hangup.
type Session struct {
	id      string
	client  Capability
	log     *logrus.Entry
	inbound chan string
	done    chan struct{}

	mu     sync.Mutex
	hungUp bool
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Deliver passes a line typed by the client to the session. It returns
// ErrSessionClosed once the session has ended.
func (s *Session) Deliver(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hungUp {
		return ErrSessionClosed
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbound <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Hangup tells the session its client is gone. Lines already delivered are
// still read before the session notices.
func (s *Session) Hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hungUp {
		s.hungUp = true
		close(s.inbound)
	}
}

// Done is closed when the session has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start spawns a session for client and returns its inbound handle.
func (g *Gateway) Start(client Capability) *Session {
	id := uuid.NewString()
	s := &Session{
		id:      id,
		client:  client,
		log:     g.log.WithField("session", id),
		inbound: make(chan string, inboundDepth),
		done:    make(chan struct{}),
	}

	g.metrics.active.Inc()
	go func() {
		defer close(s.done)
		defer g.metrics.active.Dec()

		if err := g.handle(s); err != nil {
			s.log.Debugf("Connection failed with: %v", err)
			g.metrics.sessionFailed(err)
			sendJSON(client, "<br>"+html.EscapeString(err.Error())+"<br>")
			client.Close()
		}
	}()
	return s
}

func (g *Gateway) handle(s *Session) error {
	req, err := g.awaitConnect(s)
	if err != nil {
		return err
	}
	s.log = s.log.WithFields(logrus.Fields{"host": req.Host, "port": req.Port, "tls": req.TLS})

	tlsLabel := ""
	if req.TLS {
		tlsLabel = "TLS "
	}
	sendJSON(s.client, fmt.Sprintf("<br>Attempting to establish a %sconnection with %s:%d<br>",
		tlsLabel, html.EscapeString(req.Host), req.Port))

	return g.connectAndRun(g.ctx, s, req)
}

// connectRequest is a parsed PHUD:CONNECT line.
type connectRequest struct {
	Host string
	Port int
	TLS  bool
}

func (g *Gateway) awaitConnect(s *Session) (connectRequest, error) {
	select {
	case msg, ok := <-s.inbound:
		if !ok {
			return connectRequest{}, protocolError(ErrClientGone)
		}
		return parseConnect(msg)
	case <-g.ctx.Done():
		return connectRequest{}, protocolError(g.ctx.Err())
	}
}

// parseConnect parses "PHUD:CONNECT <host> <port> <true|false>".
func parseConnect(msg string) (connectRequest, error) {
	fields := strings.Split(msg, " ")
	if fields[0] != connectCommand {
		return connectRequest{}, protocolError(ErrUnknownCommand)
	}
	if len(fields) != 4 {
		return connectRequest{}, protocolError(fmt.Errorf("expected %s <host> <port> <true|false>", connectCommand))
	}

	host := fields[1]
	if host == "" {
		return connectRequest{}, protocolError(fmt.Errorf("invalid host"))
	}
	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil || port == 0 {
		return connectRequest{}, protocolError(fmt.Errorf("invalid port %q", fields[2]))
	}

	var useTLS bool
	switch fields[3] {
	case "true":
		useTLS = true
	case "false":
	default:
		return connectRequest{}, protocolError(fmt.Errorf("invalid TLS value %q (true, false)", fields[3]))
	}
	return connectRequest{Host: host, Port: int(port), TLS: useTLS}, nil
}

func sendJSON(client Capability, message string) {
	data, err := json.Marshal(clientMessage{Message: message})
	if err != nil {
		return
	}
	client.Send(string(data))
}
