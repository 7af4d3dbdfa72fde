package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
)

// Handler for the root path: the client lives in index.html.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "index.html", http.StatusMovedPermanently)
}

// serveIndex serves index.html itself. http.FileServer would redirect
// /index.html back to / and loop with handleIndex.
func serveIndex(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := os.Open(filepath.Join(dir, "index.html"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	}
}

// handleDynVars tells the browser client where to open its WebSocket.
func handleDynVars(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprint(w, dynVars(cfg))
	}
}

func dynVars(cfg *Config) string {
	legacyHost := "window.location.hostname"
	if cfg.Legacy.ExternHost != "" {
		legacyHost = strconv.Quote(cfg.Legacy.ExternHost)
	}
	return fmt.Sprintf(`var WNG_LEGACY_CONNECTION_PORT = "%d"; var WNG_LEGACY_PREFIX = "%s"; var WNG_NORMAL_PREFIX = "%s"; var WNG_LEGACY_HOST = %s;`,
		cfg.LegacyExternPort(),
		wsScheme(cfg.Legacy.ExternIsHTTPS),
		wsScheme(cfg.Server.ExternIsHTTPS),
		legacyHost,
	)
}

func wsScheme(secure bool) string {
	if secure {
		return "wss"
	}
	return "ws"
}
