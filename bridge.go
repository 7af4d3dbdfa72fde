package main

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Size of each read from the remote host.
const telnetReadSize = 2048

type remoteRead struct {
	data []byte
	err  error
}

// connectAndRun checks and connects to the requested host, then relays until
// either side fails. It only returns with an error.
func (g *Gateway) connectAndRun(ctx context.Context, s *Session, req connectRequest) error {
	ip, err := g.guard.resolve(ctx, req.Host)
	if err != nil {
		s.log.Warnf("SECURITY: refused or failed target: %v", err)
		return err
	}

	conn, err := g.connect(ctx, req, ip)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.log.Debugf("Connected to %s", conn.RemoteAddr())

	return g.pump(ctx, s, conn)
}

// connect dials ip:port and, when asked, runs a TLS handshake that verifies
// the certificate against the host name the client gave.
func (g *Gateway) connect(ctx context.Context, req connectRequest, ip netip.Addr) (net.Conn, error) {
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(req.Port))
	conn, err := g.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(KindConnect, "dial", addr, err)
	}
	if !req.TLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         req.Host,
		InsecureSkipVerify: g.cfg.Security.AllowInvalidTLS, //nolint:gosec // operator override
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, newError(KindConnect, "tls", addr, err)
	}
	return tlsConn, nil
}

// pump relays between the remote and the client. Each loop iteration handles
// exactly one remote read or one client line.
func (g *Gateway) pump(ctx context.Context, s *Session, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr := conn.RemoteAddr().String()
	reads := make(chan remoteRead)
	go readRemote(ctx, conn, reads)

	telnet := NewTelnetParser()
	write := func(data []byte) error {
		n, err := conn.Write(data)
		g.metrics.sent(n)
		if err != nil {
			return ioError("write", addr, err)
		}
		return nil
	}

	for {
		select {
		case r := <-reads:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return ioError("read", addr, ErrRemoteClosed)
				}
				return ioError("read", addr, r.err)
			}
			g.metrics.received(len(r.data))
			for _, ev := range telnet.Receive(r.data) {
				switch ev.Kind {
				case DataReceive:
					sendJSON(s.client, Sanitize(ev.Data))
				case DataSend:
					if err := write(ev.Data); err != nil {
						return err
					}
				}
			}
		case msg, ok := <-s.inbound:
			if !ok {
				return ioError("receive", "", ErrClientGone)
			}
			if err := write(telnet.SendText(strings.TrimSpace(msg)).Data); err != nil {
				return err
			}
		case <-ctx.Done():
			return ioError("receive", "", ctx.Err())
		}
	}
}

// readRemote copies each read into its own slice so the buffer can be reused.
func readRemote(ctx context.Context, conn net.Conn, out chan<- remoteRead) {
	buf := make([]byte, telnetReadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case out <- remoteRead{data: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case out <- remoteRead{err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}
