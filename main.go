package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "webmud-gateway: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		return
	}

	log := newLogger(cfg.Debug)
	if err := run(ctx, cfg, log); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *Config, log *logrus.Logger) error {
	log.Debug("Debug mode enabled")

	reg := prometheus.NewRegistry()
	metrics := newGatewayMetrics(reg)

	localIP := detectLocalIP()
	if localIP.IsValid() {
		log.Debugf("SECURITY: local address is %s", localIP)
	}
	if cfg.Security.AllowPrivateConnections {
		log.Warn("SECURITY: connections to private and local addresses are allowed")
	}
	if cfg.Security.AllowInvalidTLS {
		log.Warn("SECURITY: invalid TLS certificates are accepted")
	}

	gw, err := NewGateway(ctx, cfg, log, metrics, localIP)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	if cfg.LegacyEnabled() {
		addr := net.JoinHostPort(cfg.Legacy.IP, strconv.Itoa(cfg.Legacy.Port))
		extern := cfg.Legacy.ExternHost
		if extern == "" {
			extern = "auto"
		}
		log.Infof("Listening for legacy WS connections at ws://%s (extern %s:%d)", addr, extern, cfg.LegacyExternPort())
		ls := NewLegacyServer(addr, gw, log)
		go func() { errc <- ls.ListenAndServe(ctx) }()
	}

	if cfg.Legacy.Only {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		}
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.IP, strconv.Itoa(cfg.Server.Port)),
		Handler:           setupRoutes(cfg, gw, log, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if len(cfg.Server.AutocertHosts) > 0 {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.AutocertHosts...),
		}
		if cfg.Server.AutocertCache != "" {
			if err := os.MkdirAll(cfg.Server.AutocertCache, 0o750); err != nil {
				return fmt.Errorf("create autocert cache: %w", err)
			}
			m.Cache = autocert.DirCache(cfg.Server.AutocertCache)
		}
		srv.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate, NextProtos: []string{"http/1.1", "acme-tls/1"}}
		log.Infof("Listening at https://%s", srv.Addr)
		go func() { errc <- srv.ListenAndServeTLS("", "") }()
	} else {
		log.Infof("Listening at http://%s", srv.Addr)
		go func() { errc <- srv.ListenAndServe() }()
	}
	log.Infof("Serving files from directory %s", cfg.Server.ServeFrom)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}

func setupRoutes(cfg *Config, gw *Gateway, log *logrus.Logger, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", newWSHandler(gw, log))
	mux.HandleFunc("/dyn_vars.js", handleDynVars(cfg))
	if cfg.Server.Metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/index.html", serveIndex(cfg.Server.ServeFrom))

	static := http.FileServer(http.Dir(cfg.Server.ServeFrom))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			handleIndex(w, r)
			return
		}
		static.ServeHTTP(w, r)
	})
	return mux
}
