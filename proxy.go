package main

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Tor circuits take a while to build.
const torDialTimeout = 30 * time.Second

// CreateProxyDialer constructs the dialer for the outbound telnet leg: a plain
// net.Dialer, or a SOCKS5 dialer when a proxy is configured. When type is
// "tor", the connect timeout is raised to accommodate circuit setup.
func CreateProxyDialer(cfg *Config, log logrus.FieldLogger) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: cfg.DialTimeout.Duration}
	if !cfg.Proxy.Enabled {
		return direct, nil
	}

	proxyAddr := net.JoinHostPort(cfg.Proxy.Host, fmt.Sprint(cfg.Proxy.Port))

	var auth *proxy.Auth
	if cfg.Proxy.Username != "" {
		auth = &proxy.Auth{
			User:     cfg.Proxy.Username,
			Password: cfg.Proxy.Password,
		}
	}

	if cfg.Proxy.Type == "tor" && direct.Timeout < torDialTimeout {
		direct.Timeout = torDialTimeout
	}

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", proxyAddr)
	}

	log.Infof("PROXY: Using %s SOCKS5 proxy at %s", proxyType(cfg), proxyAddr)
	return cd, nil
}

func proxyType(cfg *Config) string {
	if cfg.Proxy.Type == "tor" {
		return "Tor"
	}
	return "plain"
}
