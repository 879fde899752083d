package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the transfer engine configuration
type Config struct {
	// HTTP API settings
	ListenAddr string
	LogLevel   string

	// Call-control endpoint settings
	AriURL          string
	AriWebsocketURL string
	AriUsername     string
	AriPassword     string
	AriApp          string
	// AriStartupTries bounds how often the event stream connection is
	// retried at startup before giving up
	AriStartupTries int
	AriRetryDelay   time.Duration

	// AMI relay daemon settings
	AmidURL string

	// Directory daemon settings
	ConfdURL string

	// Bus settings (empty BusURL disables publishing)
	BusURL      string
	BusExchange string
	OriginUUID  string

	// Store settings (empty DatabaseURL keeps sessions in memory)
	DatabaseURL string

	// Dialplan position non-stasis legs get redirected to
	RedirectContext string
	RedirectExten   string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{
		AriRetryDelay: 2 * time.Second,
	}

	flag.StringVar(&cfg.ListenAddr, "listen", ":9500", "HTTP API listen address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.AriURL, "ari", "http://localhost:8088/ari", "Call-control REST API base URL")
	flag.StringVar(&cfg.AriWebsocketURL, "ari-ws", "ws://localhost:8088/ari/events", "Call-control event stream URL")
	flag.StringVar(&cfg.AriUsername, "ari-username", "switchyard", "Call-control API username")
	flag.StringVar(&cfg.AriPassword, "ari-password", "", "Call-control API password")
	flag.StringVar(&cfg.AriApp, "ari-app", "callcontrol", "Control application name")
	flag.IntVar(&cfg.AriStartupTries, "ari-startup-tries", 120, "Event stream connection attempts before giving up at startup")
	flag.StringVar(&cfg.AmidURL, "amid", "http://localhost:9491", "AMI relay daemon base URL")
	flag.StringVar(&cfg.ConfdURL, "confd", "http://localhost:9486", "Directory daemon base URL")
	flag.StringVar(&cfg.BusURL, "bus", "", "Bus broker URL (amqp://...), empty disables publishing")
	flag.StringVar(&cfg.BusExchange, "bus-exchange", "switchyard", "Bus exchange name")
	flag.StringVar(&cfg.OriginUUID, "origin-uuid", "", "Origin UUID stamped on bus events")
	flag.StringVar(&cfg.DatabaseURL, "database", "", "Postgres URL for session storage, empty keeps sessions in memory")
	flag.StringVar(&cfg.RedirectContext, "redirect-context", "switchyard-stasis", "Dialplan context legs are redirected to")
	flag.StringVar(&cfg.RedirectExten, "redirect-exten", "s", "Dialplan extension legs are redirected to")

	flag.Parse()

	// Override with environment variables if set
	if v := os.Getenv("LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARI_URL"); v != "" {
		cfg.AriURL = v
	}
	if v := os.Getenv("ARI_WS_URL"); v != "" {
		cfg.AriWebsocketURL = v
	}
	if v := os.Getenv("ARI_USERNAME"); v != "" {
		cfg.AriUsername = v
	}
	if v := os.Getenv("ARI_PASSWORD"); v != "" {
		cfg.AriPassword = v
	}
	if v := os.Getenv("ARI_APP"); v != "" {
		cfg.AriApp = v
	}
	if v := os.Getenv("ARI_STARTUP_TRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AriStartupTries = n
		}
	}
	if v := os.Getenv("AMID_URL"); v != "" {
		cfg.AmidURL = v
	}
	if v := os.Getenv("CONFD_URL"); v != "" {
		cfg.ConfdURL = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		cfg.BusURL = v
	}
	if v := os.Getenv("BUS_EXCHANGE"); v != "" {
		cfg.BusExchange = v
	}
	if v := os.Getenv("ORIGIN_UUID"); v != "" {
		cfg.OriginUUID = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIRECT_CONTEXT"); v != "" {
		cfg.RedirectContext = v
	}
	if v := os.Getenv("REDIRECT_EXTEN"); v != "" {
		cfg.RedirectExten = v
	}

	return cfg
}
