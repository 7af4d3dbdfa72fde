package main

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProxyDialerDirect(t *testing.T) {
	cfg := defaultConfig()
	cfg.DialTimeout.Duration = 2 * time.Second

	d, err := CreateProxyDialer(cfg, newLoggerTo(io.Discard, false))
	require.NoError(t, err)
	direct, ok := d.(*net.Dialer)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, direct.Timeout)
}

func TestCreateProxyDialerSOCKS5(t *testing.T) {
	cfg := defaultConfig()
	cfg.Proxy.Enabled = true
	cfg.Proxy.Type = "tor"
	cfg.Proxy.Host = "127.0.0.1"
	cfg.Proxy.Port = 9050
	cfg.Proxy.Username = "user"
	cfg.Proxy.Password = "pass"

	var out bytes.Buffer
	d, err := CreateProxyDialer(cfg, newLoggerTo(&out, false))
	require.NoError(t, err)
	require.NotNil(t, d)
	_, isDirect := d.(*net.Dialer)
	assert.False(t, isDirect)
	assert.Contains(t, out.String(), "PROXY: Using Tor SOCKS5 proxy at 127.0.0.1:9050")
}

func TestNewLoggerLevels(t *testing.T) {
	var out bytes.Buffer
	log := newLoggerTo(&out, false)
	log.Debug("hidden")
	log.Info("shown")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown")

	out.Reset()
	log = newLoggerTo(&out, true)
	log.Debug("verbose")
	assert.Contains(t, out.String(), "verbose")
}
