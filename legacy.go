package main

// Hixie-76 WebSocket support for browsers that predate RFC 6455. The
// handshake and framing are small enough to do by hand on a raw TCP socket;
// no maintained library still speaks this draft.

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	handshakeBufferSize = 512
	frameBufferSize     = 2048
	// Same bound the modern upgrader uses.
	legacyHandshakeTimeout = 10 * time.Second

	frameStart byte = 0x00
	frameEnd   byte = 0xFF
)

var requestLine = []byte("GET / HTTP/")

var (
	headerKey1   = newHeader("Sec-WebSocket-Key1")
	headerKey2   = newHeader("Sec-WebSocket-Key2")
	headerHost   = newHeader("Host")
	headerOrigin = newHeader("Origin")
)

type header struct {
	name string
	re   *regexp.Regexp
}

func newHeader(name string) header {
	return header{
		name: name,
		re:   regexp.MustCompile(`(?im)^` + regexp.QuoteMeta(name) + `: (.*)$`),
	}
}

func (h header) find(head string) (string, error) {
	m := h.re.FindStringSubmatch(head)
	if m == nil {
		return "", framingError("handshake", fmt.Errorf("%s: %w", h.name, ErrHeaderMissing))
	}
	return strings.TrimSpace(m[1]), nil
}

// handshakeRequest holds what the handshake needs from the client request.
// rest is whatever the client sent after key3; it belongs to the first frame.
type handshakeRequest struct {
	key1, key2   string
	host, origin string
	key3         [8]byte
	rest         []byte
}

// parseHandshake looks for a complete request in buf. It reports complete=false
// when more bytes are needed.
func parseHandshake(buf []byte) (req *handshakeRequest, complete bool, err error) {
	start := bytes.Index(buf, requestLine)
	if start < 0 {
		return nil, false, nil
	}
	area := buf[start:]
	end, termLen := bytes.Index(area, []byte("\r\n\r\n")), 4
	if end < 0 {
		end, termLen = bytes.Index(area, []byte("\n\n")), 2
	}
	if end < 0 {
		return nil, false, nil
	}
	keyStart := end + termLen
	if len(area) < keyStart+8 {
		return nil, false, nil
	}

	head := string(area[:end])
	req = &handshakeRequest{}
	for _, f := range []struct {
		h   header
		dst *string
	}{
		{headerKey1, &req.key1},
		{headerKey2, &req.key2},
		{headerHost, &req.host},
		{headerOrigin, &req.origin},
	} {
		if *f.dst, err = f.h.find(head); err != nil {
			return nil, true, err
		}
	}
	copy(req.key3[:], area[keyStart:keyStart+8])
	req.rest = append([]byte(nil), area[keyStart+8:]...)
	return req, true, nil
}

// keyValue derives the 32-bit number hidden in a Sec-WebSocket-Key header:
// its digits read as one integer, divided by its number of spaces.
func keyValue(key string) (uint32, error) {
	var digits strings.Builder
	var spaces uint64
	for i := 0; i < len(key); i++ {
		switch c := key[i]; {
		case c >= '0' && c <= '9':
			digits.WriteByte(c)
		case c == ' ':
			spaces++
		}
	}
	n, err := strconv.ParseUint(digits.String(), 10, 64)
	if err != nil || spaces == 0 || n%spaces != 0 {
		return 0, ErrBadKey
	}
	return uint32(n / spaces), nil
}

// challengeResponse is md5(key1 || key2 || key3), keys as big-endian uint32.
func challengeResponse(key1, key2 uint32, key3 [8]byte) [16]byte {
	var challenge [16]byte
	binary.BigEndian.PutUint32(challenge[0:4], key1)
	binary.BigEndian.PutUint32(challenge[4:8], key2)
	copy(challenge[8:], key3[:])
	return md5.Sum(challenge[:])
}

func handshakeResponse(req *handshakeRequest, digest [16]byte) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 WebSocket Protocol Handshake\r\n")
	b.WriteString("Upgrade: WebSocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Origin: %s\r\n", req.origin)
	fmt.Fprintf(&b, "Sec-WebSocket-Location: ws://%s/\r\n", req.host)
	b.WriteString("\r\n")
	b.Write(digest[:])
	return b.Bytes()
}

// legacyHandshake reads the client request and answers it. On a bad key the
// write side is shut down and nothing is sent.
func legacyHandshake(conn net.Conn) (*handshakeRequest, error) {
	buf := make([]byte, handshakeBufferSize)
	n := 0
	var req *handshakeRequest
	for {
		read, rerr := conn.Read(buf[n:])
		n += read

		r, complete, err := parseHandshake(buf[:n])
		if err != nil {
			return nil, err
		}
		if complete {
			req = r
			break
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil, ioError("handshake", "", errors.New("client closed connection"))
			}
			return nil, ioError("handshake", "", rerr)
		}
		if n >= len(buf) {
			return nil, framingError("handshake", ErrBufferExhausted)
		}
	}

	key1, err1 := keyValue(req.key1)
	key2, err2 := keyValue(req.key2)
	if err1 != nil || err2 != nil {
		closeWrite(conn)
		return nil, framingError("handshake", ErrBadKey)
	}

	if _, err := conn.Write(handshakeResponse(req, challengeResponse(key1, key2, req.key3))); err != nil {
		return nil, ioError("handshake", "", err)
	}
	return req, nil
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// frameReader splits the framed stream on 0xFF.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, frameBufferSize)}
}

// ReadMessage returns the next text frame. A leading 0xFF is the client's
// close frame; any other leading byte but 0x00 is a protocol violation.
func (f *frameReader) ReadMessage() (string, error) {
	frame, err := f.r.ReadSlice(frameEnd)
	if err != nil {
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			return "", framingError("frame", ErrFrameLimit)
		case len(frame) == 0 && errors.Is(err, io.EOF):
			return "", ioError("read", "", ErrRemoteClosed)
		case errors.Is(err, io.EOF):
			return "", ioError("read", "", io.ErrUnexpectedEOF)
		default:
			return "", ioError("read", "", err)
		}
	}
	switch frame[0] {
	case frameEnd:
		return "", ioError("read", "", ErrRemoteClosed)
	case frameStart:
		return decodeLossy(frame[1 : len(frame)-1]), nil
	default:
		return "", framingError("frame", ErrMalformedFrame)
	}
}

func writeFrame(w io.Writer, msg string) error {
	buf := make([]byte, 0, len(msg)+2)
	buf = append(buf, frameStart)
	buf = append(buf, msg...)
	buf = append(buf, frameEnd)
	_, err := w.Write(buf)
	return err
}

func writeCloseFrame(w io.Writer) error {
	_, err := w.Write([]byte{frameEnd, frameStart})
	return err
}

// LegacyServer accepts Hixie-76 clients on a dedicated TCP port.
type LegacyServer struct {
	addr string
	gw   *Gateway
	log  *logrus.Logger
}

func NewLegacyServer(addr string, gw *Gateway, log *logrus.Logger) *LegacyServer {
	return &LegacyServer{addr: addr, gw: gw, log: log}
}

// ListenAndServe listens on the configured address until ctx ends.
func (ls *LegacyServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", ls.addr)
	if err != nil {
		return fmt.Errorf("legacy listen %s: %w", ls.addr, err)
	}
	return ls.Serve(ctx, ln)
}

// Serve accepts connections on ln. Per-connection failures never stop it.
func (ls *LegacyServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			ls.log.Warnf("Legacy accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go ls.handleConn(ctx, conn)
	}
}

func (ls *LegacyServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := ls.log.WithFields(logrus.Fields{"transport": "legacy", "peer": conn.RemoteAddr().String()})
	log.Debug("Accepted legacy WebSocket connection")

	_ = conn.SetDeadline(time.Now().Add(legacyHandshakeTimeout))
	req, err := legacyHandshake(conn)
	if err != nil {
		log.Debugf("Legacy WebSocket handshake failed: %v", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})
	log.Debug("Legacy WebSocket handshake completed OK")

	if err := ls.serveFrames(ctx, conn, req.rest, log); err != nil {
		log.Debugf("Legacy WebSocket connection completed with error: %v", err)
		return
	}
	log.Debug("Legacy WebSocket connection completed OK")
}

// serveFrames runs a session over an upgraded connection. One goroutine writes
// what the session sends, one reads client frames into it, and the first to
// stop tears the socket down for the other.
func (ls *LegacyServer) serveFrames(ctx context.Context, conn net.Conn, rest []byte, log *logrus.Entry) error {
	box := newOutbox()
	session := ls.gw.Start(box)
	ls.gw.metrics.clientConnected("legacy")
	log.WithField("session", session.ID()).Debug("Session started")

	frames := newFrameReader(io.MultiReader(bytes.NewReader(rest), conn))
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return box.pump(gctx, outboxWriter{
			write: func(msg string) error { return writeFrame(conn, msg) },
			close: func() error {
				_ = writeCloseFrame(conn)
				closeWrite(conn)
				return nil
			},
		})
	})
	g.Go(func() error {
		defer session.Hangup()
		for {
			msg, err := frames.ReadMessage()
			if err != nil {
				return err
			}
			if err := session.Deliver(msg); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errClosedByGateway) {
		return err
	}
	return nil
}
