package main

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

const (
	defaultIP        = "0.0.0.0"
	defaultPort      = 8080
	defaultServeFrom = "./static"
	// Port advertised to legacy clients when nothing else is configured.
	defaultLegacyExternPort = 443
)

// Config holds everything the gateway reads at startup. It is built once in
// main and never mutated afterwards, so sessions share it without locking.
type Config struct {
	Server struct {
		IP            string   `json:"ip"`
		Port          int      `json:"port"`
		ExternIsHTTPS bool     `json:"externIsHTTPS"`
		ServeFrom     string   `json:"serveFrom"`
		Metrics       bool     `json:"metrics"`
		AutocertHosts []string `json:"autocertHosts"`
		AutocertCache string   `json:"autocertCache"`
	} `json:"server"`
	Legacy struct {
		IP            string `json:"ip"`
		Port          int    `json:"port"`
		ExternHost    string `json:"externHost"`
		ExternPort    int    `json:"externPort"`
		ExternIsHTTPS bool   `json:"externIsHTTPS"`
		Only          bool   `json:"only"`
	} `json:"legacy"`
	Security struct {
		AllowPrivateConnections bool `json:"allowPrivateConnections"`
		AllowInvalidTLS         bool `json:"allowInvalidTLS"`
	} `json:"security"`
	Proxy struct {
		Enabled  bool   `json:"enabled"`
		Type     string `json:"type"` // "socks5" or "tor"
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"proxy"`
	DialTimeout Duration `json:"dialTimeout"`
	Debug       bool     `json:"debug"`
}

// Duration accepts "10s" style strings in JSON.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %v", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func defaultConfig() *Config {
	c := &Config{}
	c.Server.IP = defaultIP
	c.Server.Port = defaultPort
	c.Server.ServeFrom = defaultServeFrom
	return c
}

// LoadConfig reads a JSON config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	config := defaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	if config.Server.Port == 0 {
		config.Server.Port = defaultPort
	}
	if config.Server.ServeFrom == "" {
		config.Server.ServeFrom = defaultServeFrom
	}
	return config, nil
}

// LoadFromEnv overlays WNG_* environment variables onto cfg. Only non-empty
// variables override. Booleans accept "1", "true", "yes".
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("WNG_IP"); v != "" {
		cfg.Server.IP = v
	}
	if v := envInt("WNG_PORT"); v > 0 {
		cfg.Server.Port = v
	}
	if v := os.Getenv("WNG_LEGACY_IP"); v != "" {
		cfg.Legacy.IP = v
	}
	if v := envInt("WNG_LEGACY_PORT"); v > 0 {
		cfg.Legacy.Port = v
	}
	if envBool("WNG_ALLOW_PRIVATE_CONNECTIONS") {
		cfg.Security.AllowPrivateConnections = true
	}
	if envBool("WNG_ALLOW_INVALID_TLS") {
		cfg.Security.AllowInvalidTLS = true
	}
	if envBool("WNG_DEBUG") {
		cfg.Debug = true
	}
}

func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

// ParseArgs builds the runtime config: defaults, then the optional JSON file,
// then the environment, then flags. It returns (nil, nil) when help was printed.
func ParseArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("webmud-gateway", flag.ContinueOnError)

	var (
		configPath  string
		showHelp    bool
		legacyIP    string
		legacyPort  int
		externPort  int
		externHost  string
		serveFrom   string
		cacheDir    string
		hosts       []string
		dialTimeout time.Duration
	)
	fs.StringVar(&configPath, "config", "", "JSON config file")
	fs.Bool("extern-is-https", false, "Clients reach the web server over https")
	fs.Bool("legacy-only", false, "Only run the legacy WebSocket listener")
	fs.StringVar(&legacyIP, "legacy-ip", "", "Legacy WebSocket listen address")
	fs.IntVar(&legacyPort, "legacy-port", 0, "Legacy WebSocket listen port")
	fs.StringVar(&externHost, "legacy-extern-host", "", "Legacy host advertised to clients")
	fs.IntVar(&externPort, "legacy-extern-port", 0, "Legacy port advertised to clients")
	fs.Bool("legacy-extern-is-https", false, "Legacy clients connect over wss")
	fs.StringVar(&serveFrom, "serve-from", "", "Directory of static client files")
	fs.Bool("metrics", false, "Expose Prometheus metrics on /metrics")
	fs.StringSliceVar(&hosts, "autocert-host", nil, "Hostname for a Let's Encrypt certificate (repeatable)")
	fs.StringVar(&cacheDir, "autocert-cache", "", "Directory for the certificate cache")
	fs.DurationVar(&dialTimeout, "dial-timeout", 0, "Outbound connect timeout (0 = OS default)")
	fs.Bool("allow-private-connections", false, "Allow connections to private and local addresses")
	fs.Bool("allow-invalid-tls", false, "Accept invalid TLS certificates and hostnames")
	fs.Bool("debug", false, "Verbose logging")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if showHelp {
		printUsage(fs)
		return nil, nil
	}

	cfg := defaultConfig()
	if configPath != "" {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	LoadFromEnv(cfg)

	rest := fs.Args()
	if len(rest) > 2 {
		return nil, fmt.Errorf("too many arguments")
	}
	if len(rest) >= 1 {
		cfg.Server.IP = rest[0]
	}
	if len(rest) == 2 {
		port, err := strconv.Atoi(rest[1])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", rest[1])
		}
		cfg.Server.Port = port
	}

	setBool := func(name string, dst *bool) {
		if fs.Changed(name) {
			*dst, _ = fs.GetBool(name)
		}
	}
	setBool("extern-is-https", &cfg.Server.ExternIsHTTPS)
	setBool("legacy-only", &cfg.Legacy.Only)
	setBool("legacy-extern-is-https", &cfg.Legacy.ExternIsHTTPS)
	setBool("metrics", &cfg.Server.Metrics)
	setBool("allow-private-connections", &cfg.Security.AllowPrivateConnections)
	setBool("allow-invalid-tls", &cfg.Security.AllowInvalidTLS)
	setBool("debug", &cfg.Debug)

	if fs.Changed("legacy-ip") {
		cfg.Legacy.IP = legacyIP
	}
	if fs.Changed("legacy-port") {
		cfg.Legacy.Port = legacyPort
	}
	if fs.Changed("legacy-extern-host") {
		cfg.Legacy.ExternHost = externHost
	}
	if fs.Changed("legacy-extern-port") {
		cfg.Legacy.ExternPort = externPort
	}
	if fs.Changed("serve-from") {
		cfg.Server.ServeFrom = serveFrom
	}
	if fs.Changed("autocert-host") {
		cfg.Server.AutocertHosts = hosts
	}
	if fs.Changed("autocert-cache") {
		cfg.Server.AutocertCache = cacheDir
	}
	if fs.Changed("dial-timeout") {
		cfg.DialTimeout.Duration = dialTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LegacyEnabled reports whether the Hixie-76 listener should run.
func (c *Config) LegacyEnabled() bool {
	return c.Legacy.IP != "" && c.Legacy.Port != 0
}

// LegacyExternPort is the port legacy clients are told to dial.
func (c *Config) LegacyExternPort() int {
	if c.Legacy.ExternPort != 0 {
		return c.Legacy.ExternPort
	}
	if c.Legacy.Port != 0 {
		return c.Legacy.Port
	}
	return defaultLegacyExternPort
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if _, err := netip.ParseAddr(c.Server.IP); err != nil {
		return fmt.Errorf("invalid listen ip %q", c.Server.IP)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Server.Port)
	}
	if (c.Legacy.IP == "") != (c.Legacy.Port == 0) {
		return fmt.Errorf("if legacy IP is specified, legacy port must be specified, and vice versa")
	}
	if c.Legacy.IP != "" {
		if _, err := netip.ParseAddr(c.Legacy.IP); err != nil {
			return fmt.Errorf("invalid legacy ip %q", c.Legacy.IP)
		}
		if c.Legacy.Port < 1 || c.Legacy.Port > 65535 {
			return fmt.Errorf("legacy port %d out of range 1-65535", c.Legacy.Port)
		}
	}
	if c.Legacy.ExternPort < 0 || c.Legacy.ExternPort > 65535 {
		return fmt.Errorf("legacy extern port %d out of range 1-65535", c.Legacy.ExternPort)
	}
	if c.Legacy.Only && !c.LegacyEnabled() {
		return fmt.Errorf("--legacy-only requires --legacy-ip and --legacy-port")
	}
	if c.Proxy.Enabled && (c.Proxy.Host == "" || c.Proxy.Port == 0) {
		return fmt.Errorf("proxy enabled without host and port")
	}
	if c.DialTimeout.Duration < 0 {
		return fmt.Errorf("dial timeout must not be negative")
	}
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage:
  webmud-gateway [options] [ip] [port]

Options:
`)
	fs.PrintDefaults()
}
