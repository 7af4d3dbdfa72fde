package main

import (
	"context"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// How often heartbeat pings are sent.
	heartbeatInterval = 5 * time.Second
	// How long without a ping or pong before the client is dropped.
	clientTimeout = 10 * time.Second
	writeWait     = 10 * time.Second
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// Restrict to exact host match for Origin
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := neturl.Parse(origin)
			if err != nil {
				return false
			}
			return u.Host == r.Host
		},
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
	}
}

// wsHandler serves the modern WebSocket transport on /ws.
type wsHandler struct {
	gw       *Gateway
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func newWSHandler(gw *Gateway, log *logrus.Logger) *wsHandler {
	return &wsHandler{gw: gw, log: log, upgrader: newUpgrader()}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	box := newOutbox()
	session := h.gw.Start(box)
	h.gw.metrics.clientConnected("websocket")
	log := h.log.WithFields(logrus.Fields{
		"transport": "websocket",
		"peer":      r.RemoteAddr,
		"session":   session.ID(),
	})
	log.Debug("WebSocket client connected")

	// The request context is not tied to a hijacked connection.
	ctx, cancel := context.WithCancel(h.gw.ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		err := box.pump(ctx, outboxWriter{
			write: func(msg string) error {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				return conn.WriteMessage(websocket.TextMessage, []byte(msg))
			},
			close: func() error {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return nil
			},
			tick: ticker.C,
			ping: func() error {
				return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			},
		})
		if err != nil && err != errClosedByGateway && err != context.Canceled {
			log.Debugf("WebSocket write error: %v", err)
		}
		// Unblocks the read loop below.
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(clientTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(clientTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(clientTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debugf("WebSocket unexpected close: %v", err)
			}
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := session.Deliver(string(data)); err != nil {
			break
		}
	}

	session.Hangup()
	cancel()
	<-writerDone
	log.Debug("WebSocket client disconnected")
}
