package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sampleKey1 = "18x 6]8vM;54 *(5:  {   U1]8  z [  8"
	sampleKey2 = "1_ tx7X d  <  nw  334J702) 7]o}` 0"
	sampleKey3 = "Tm[K T2u"
	// Expected answer for the sample keys above.
	sampleDigest = "fQJ,fN/4F4!~K~MH"
)

func handshakeText(key1, key2 string) string {
	return "GET / HTTP/1.1\r\n" +
		"Upgrade: WebSocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Host: example.com\r\n" +
		"Origin: http://example.com\r\n" +
		"Sec-WebSocket-Key1: " + key1 + "\r\n" +
		"Sec-WebSocket-Key2: " + key2 + "\r\n" +
		"\r\n"
}

func TestKeyValue(t *testing.T) {
	tests := []struct {
		key     string
		want    uint32
		wantErr bool
	}{
		{key: "4 @1  46546xW%0l 1 5", want: 829309203},
		{key: "12998 5 Y3 1  .P00", want: 259970620},
		{key: sampleKey1, want: 155712099},
		{key: sampleKey2, want: 173347027},
		{key: "12345", wantErr: true},
		{key: "1 0 1", wantErr: true},
		{key: "   ", wantErr: true},
		{key: "1 99999999999999999999999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := keyValue(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChallengeResponse(t *testing.T) {
	var key3 [8]byte
	copy(key3[:], sampleKey3)

	k1, err := keyValue(sampleKey1)
	require.NoError(t, err)
	k2, err := keyValue(sampleKey2)
	require.NoError(t, err)

	digest := challengeResponse(k1, k2, key3)
	assert.Equal(t, sampleDigest, string(digest[:]))

	k1, _ = keyValue("4 @1  46546xW%0l 1 5")
	k2, _ = keyValue("12998 5 Y3 1  .P00")
	copy(key3[:], "^n:ds[4U")
	want := md5.Sum(append([]byte{0x31, 0x6e, 0x41, 0x13, 0x0f, 0x7e, 0xd6, 0x3c}, key3[:]...))
	assert.Equal(t, want, challengeResponse(k1, k2, key3))
}

func TestParseHandshake(t *testing.T) {
	full := handshakeText(sampleKey1, sampleKey2) + sampleKey3

	t.Run("needs key3", func(t *testing.T) {
		_, complete, err := parseHandshake([]byte(full[:len(full)-1]))
		assert.NoError(t, err)
		assert.False(t, complete)
	})

	t.Run("complete", func(t *testing.T) {
		req, complete, err := parseHandshake([]byte(full))
		require.NoError(t, err)
		require.True(t, complete)
		assert.Equal(t, sampleKey1, req.key1)
		assert.Equal(t, sampleKey2, req.key2)
		assert.Equal(t, "example.com", req.host)
		assert.Equal(t, "http://example.com", req.origin)
		assert.Equal(t, sampleKey3, string(req.key3[:]))
		assert.Empty(t, req.rest)
	})

	t.Run("keeps bytes after key3", func(t *testing.T) {
		req, complete, err := parseHandshake([]byte(full + "\x00hi\xff"))
		require.NoError(t, err)
		require.True(t, complete)
		assert.Equal(t, []byte("\x00hi\xff"), req.rest)
	})

	t.Run("bare newlines", func(t *testing.T) {
		text := strings.ReplaceAll(handshakeText(sampleKey1, sampleKey2), "\r\n", "\n") + sampleKey3
		req, complete, err := parseHandshake([]byte(text))
		require.NoError(t, err)
		require.True(t, complete)
		assert.Equal(t, sampleKey3, string(req.key3[:]))
	})

	t.Run("leading garbage", func(t *testing.T) {
		req, complete, err := parseHandshake([]byte("junk" + full))
		require.NoError(t, err)
		require.True(t, complete)
		assert.Equal(t, "example.com", req.host)
	})

	t.Run("missing header", func(t *testing.T) {
		text := strings.Replace(full, "Origin: http://example.com\r\n", "", 1)
		_, complete, err := parseHandshake([]byte(text))
		assert.True(t, complete)
		assert.ErrorIs(t, err, ErrHeaderMissing)
		assert.Equal(t, KindFraming, KindOf(err))
	})

	t.Run("no request line", func(t *testing.T) {
		_, complete, err := parseHandshake([]byte("POST /x HTTP/1.1\r\n\r\n12345678"))
		assert.NoError(t, err)
		assert.False(t, complete)
	})
}

func TestLegacyHandshakeBufferExhausted(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() { _, _ = client.Write(bytes.Repeat([]byte("a"), handshakeBufferSize+100)) }()

	_, err := legacyHandshake(server)
	assert.ErrorIs(t, err, ErrBufferExhausted)
	assert.Equal(t, KindFraming, KindOf(err))
}

func TestLegacyHandshakeClientGone(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\n"))
		client.Close()
	}()

	_, err := legacyHandshake(server)
	assert.Equal(t, KindIO, KindOf(err))
}

func TestFrameReader(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
		kind ErrorKind
		is   error
	}{
		{name: "text frame", in: []byte("\x00hi\xff"), want: "hi"},
		{name: "empty frame", in: []byte("\x00\xff"), want: ""},
		{name: "utf8", in: []byte("\x00héllo\xff"), want: "héllo"},
		{name: "close frame", in: []byte{0xff, 0x00}, kind: KindIO, is: ErrRemoteClosed},
		{name: "bad leading byte", in: []byte("\x01hi\xff"), kind: KindFraming, is: ErrMalformedFrame},
		{name: "no terminator within limit", in: append([]byte{0x00}, bytes.Repeat([]byte("a"), frameBufferSize+10)...), kind: KindFraming, is: ErrFrameLimit},
		{name: "empty stream", in: nil, kind: KindIO, is: ErrRemoteClosed},
		{name: "truncated frame", in: []byte("\x00hal"), kind: KindIO, is: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := newFrameReader(bytes.NewReader(tt.in)).ReadMessage()
			if tt.kind != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.kind, KindOf(err))
				assert.ErrorIs(t, err, tt.is)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestFrameReaderSequence(t *testing.T) {
	r := newFrameReader(bytes.NewReader([]byte("\x00one\xff\x00two\xff\xff\x00")))
	for _, want := range []string{"one", "two"} {
		msg, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, msg)
	}
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, ErrRemoteClosed)
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, `{"message":"hi"}`))
	require.NoError(t, writeCloseFrame(&buf))
	assert.Equal(t, "\x00{\"message\":\"hi\"}\xff\xff\x00", buf.String())
}

func startLegacyServer(t *testing.T, gw *Gateway) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ls := NewLegacyServer(ln.Addr().String(), gw, gw.log)
	done := make(chan error, 1)
	go func() { done <- ls.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return ln.Addr().String()
}

func dialLegacy(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	return conn
}

// readHandshakeResponse returns the response header lines and the digest.
func readHandshakeResponse(t *testing.T, r *bufio.Reader) ([]string, string) {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	digest := make([]byte, 16)
	_, err := io.ReadFull(r, digest)
	require.NoError(t, err)
	return lines, string(digest)
}

func TestLegacyServerHandshake(t *testing.T) {
	addr := startLegacyServer(t, newTestGateway(t, false))
	conn := dialLegacy(t, addr)

	_, err := io.WriteString(conn, handshakeText(sampleKey1, sampleKey2)+sampleKey3)
	require.NoError(t, err)

	lines, digest := readHandshakeResponse(t, bufio.NewReader(conn))
	assert.Equal(t, []string{
		"HTTP/1.1 101 WebSocket Protocol Handshake",
		"Upgrade: WebSocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Origin: http://example.com",
		"Sec-WebSocket-Location: ws://example.com/",
	}, lines)
	assert.Equal(t, sampleDigest, digest)
}

func TestLegacyServerRejectsBadKey(t *testing.T) {
	tests := []struct {
		name string
		key1 string
	}{
		{"no spaces", "12345"},
		{"not divisible", "1 0 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := startLegacyServer(t, newTestGateway(t, false))
			conn := dialLegacy(t, addr)

			_, err := io.WriteString(conn, handshakeText(tt.key1, sampleKey2)+sampleKey3)
			require.NoError(t, err)

			resp, err := io.ReadAll(conn)
			require.NoError(t, err)
			assert.Empty(t, resp)
		})
	}
}

func TestLegacyServerSession(t *testing.T) {
	got := make(chan string, 2)
	port := startTelnetStub(t, echoStub(got))

	addr := startLegacyServer(t, newTestGateway(t, true))
	conn := dialLegacy(t, addr)

	connect := fmt.Sprintf("PHUD:CONNECT 127.0.0.1 %d false", port)
	// The first frame rides along with the handshake.
	_, err := io.WriteString(conn, handshakeText(sampleKey1, sampleKey2)+sampleKey3+"\x00"+connect+"\xff")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	_, digest := readHandshakeResponse(t, br)
	require.Equal(t, sampleDigest, digest)

	frames := newFrameReader(br)
	next := func() string {
		t.Helper()
		msg, err := frames.ReadMessage()
		require.NoError(t, err)
		return decodeMessage(t, msg)
	}

	assert.Equal(t, fmt.Sprintf("<br>Attempting to establish a connection with 127.0.0.1:%d<br>", port), next())
	assert.Contains(t, next(), `<span class="tnc_bold">hero</span>`)
	assert.Equal(t, "\xff\xfe\x01", receive(t, got))

	require.NoError(t, writeFrame(conn, "look"))
	assert.Equal(t, "look\r\n", receive(t, got))

	assert.Equal(t, fmt.Sprintf("<br>read 127.0.0.1:%d: connection closed<br>", port), next())

	_, err = frames.ReadMessage()
	assert.ErrorIs(t, err, ErrRemoteClosed, "gateway should send a close frame")
}
