package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"clocklink/internal/link"
	"clocklink/internal/provision"
	"clocklink/internal/session"
	"clocklink/internal/store"
	"clocklink/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Link struct {
		PortPatterns   []string `yaml:"port_patterns"`
		ExtraPorts     []string `yaml:"extra_ports"` // e.g. /dev/serial/by-id links
		Baud           int      `yaml:"baud"`
		ConnectTimeout string   `yaml:"connect_timeout"`
		ScanTimeout    string   `yaml:"scan_timeout"`
		CommandDelay   string   `yaml:"command_delay"`
		AutoReconnect  bool     `yaml:"auto_reconnect"`
	} `yaml:"link"`
	Provisioning struct {
		PollInterval string `yaml:"poll_interval"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"provisioning"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		ClientID        string `yaml:"client_id"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if len(c.Link.PortPatterns) == 0 {
		return fmt.Errorf("link.port_patterns must not be empty")
	}
	if c.Link.Baud <= 0 {
		return fmt.Errorf("link.baud must be positive, got %d", c.Link.Baud)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	for _, p := range c.Exec.Allowlist {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("exec.allowlist entries must be absolute paths, got %q", p)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("clocklink starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Link stack: serial dialer and discovery over the same port patterns.
	events := session.NewEventBus(logger)
	status := session.NewStatusStore(events)
	dialer := link.NewSerialDialer(link.SerialConfig{BaudRate: cfg.Link.Baud}, logger)
	discoverer := link.NewSerialDiscoverer(cfg.Link.PortPatterns, cfg.Link.ExtraPorts, logger)
	gate := link.NewDeviceAccessGate(cfg.Link.PortPatterns, logger)

	sess := session.New(dialer, discoverer, gate, events, status, nil, session.Config{
		ConnectTimeout: durationOr(logger, "link.connect_timeout", cfg.Link.ConnectTimeout, session.DefaultConnectTimeout),
		ScanTimeout:    durationOr(logger, "link.scan_timeout", cfg.Link.ScanTimeout, session.DefaultScanTimeout),
		CommandDelay:   durationOr(logger, "link.command_delay", cfg.Link.CommandDelay, session.DefaultCommandDelay),
	}, logger)

	provTimeout := durationOr(logger, "provisioning.timeout", cfg.Provisioning.Timeout, provision.DefaultTimeout)
	prov := provision.New(sess, events, nil, provision.Config{
		PollInterval: durationOr(logger, "provisioning.poll_interval", cfg.Provisioning.PollInterval, provision.DefaultPollInterval),
		Timeout:      provTimeout,
	}, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(sess, events, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(sess, prov, db, events, logger, webOpts...)

	// A provisioning request holds its response for the whole window.
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: provTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(sess, prov, db, events, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Link.AutoReconnect {
		go reconnectLast(ctx, sess, db, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	sess.Close()

	logger.Info("goodbye")
}

// reconnectLast connects to the last remembered device once at startup.
func reconnectLast(ctx context.Context, sess *session.Session, db store.Store, logger *slog.Logger) {
	target, err := db.LoadLastDevice()
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Warn("load last device", "err", err)
		return
	}
	logger.Info("reconnecting to last device", "address", target.Address)
	if _, err := sess.Connect(ctx, *target); err != nil {
		logger.Warn("auto reconnect failed", "address", target.Address, "err", err)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Link.PortPatterns) == 0 {
		cfg.Link.PortPatterns = link.DefaultPortPatterns
	}
	if cfg.Link.Baud == 0 {
		cfg.Link.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "clocklink.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "clocklink"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "clocklink"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// durationOr parses value, warning and returning def when it is not a
// positive duration. Empty means def.
func durationOr(logger *slog.Logger, key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logger.Warn("invalid duration, using default", "key", key, "value", value, "default", def)
		return def
	}
	return d
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
