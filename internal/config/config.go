package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "LIVENIX_BRIDGE_LISTEN_ADDR"
	envVarAnnouncedIP     = "LIVENIX_BRIDGE_ANNOUNCED_IP"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "LIVENIX_BRIDGE_LOG_FORMAT"
	envVarLogLevel        = "LIVENIX_BRIDGE_LOG_LEVEL"
	envVarShutdownTimeout = "LIVENIX_BRIDGE_SHUTDOWN_TIMEOUT"

	envVarUDPPortMin          = "WEBRTC_UDP_PORT_MIN"
	envVarUDPPortMax          = "WEBRTC_UDP_PORT_MAX"
	envVarICEGatheringTimeout = "ICE_GATHERING_TIMEOUT"

	envVarMaxPeers                      = "MAX_PEERS"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr          = "127.0.0.1:8080"
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultICEGatheringTimeout = 2 * time.Second

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// PortRange is an inclusive UDP port range for ICE candidate gathering.
type PortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ListenAddr string

	// AnnouncedIP is the public-facing address announced in ICE candidates so
	// peers behind NAT can reach the bridge. Empty means announce as-is.
	AnnouncedIP net.IP

	UDPPortRange *PortRange

	AllowedOrigins []string

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout     time.Duration
	ICEGatheringTimeout time.Duration

	// MaxPeers caps concurrently connected peers. Zero means unlimited.
	MaxPeers int

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr:          DefaultListenAddr,
		LogFormat:           LogFormatText,
		LogLevel:            slog.LevelInfo,
		ShutdownTimeout:     DefaultShutdownTimeout,
		ICEGatheringTimeout: DefaultICEGatheringTimeout,

		SignalingWSIdleTimeout:        DefaultSignalingWSIdleTimeout,
		SignalingWSPingInterval:       DefaultSignalingWSPingInterval,
		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,
	}

	cfg.ListenAddr = envOrDefault(lookup, envVarListenAddr, cfg.ListenAddr)

	if raw, ok := lookup(envVarAnnouncedIP); ok && strings.TrimSpace(raw) != "" {
		ip := net.ParseIP(strings.TrimSpace(raw))
		if ip == nil {
			return Config{}, fmt.Errorf("invalid %s %q", envVarAnnouncedIP, raw)
		}
		cfg.AnnouncedIP = ip
	}

	if raw, ok := lookup(envVarAllowedOrigins); ok {
		cfg.AllowedOrigins = splitCommaList(raw)
	}

	if raw, ok := lookup(envVarLogFormat); ok && strings.TrimSpace(raw) != "" {
		format, err := parseLogFormat(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.LogFormat = format
	}
	if raw, ok := lookup(envVarLogLevel); ok && strings.TrimSpace(raw) != "" {
		level, err := parseLogLevel(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = level
	}

	var err error
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ICEGatheringTimeout, err = envDurationOrDefault(lookup, envVarICEGatheringTimeout, cfg.ICEGatheringTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SignalingWSIdleTimeout, err = envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, cfg.SignalingWSIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SignalingWSPingInterval, err = envDurationOrDefault(lookup, envVarSignalingWSPingInterval, cfg.SignalingWSPingInterval); err != nil {
		return Config{}, err
	}

	if cfg.MaxPeers, err = envIntOrDefault(lookup, envVarMaxPeers, cfg.MaxPeers); err != nil {
		return Config{}, err
	}
	if cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, cfg.MaxSignalingMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if maxBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(cfg.MaxSignalingMessageBytes)); err != nil {
		return Config{}, err
	} else {
		cfg.MaxSignalingMessageBytes = int64(maxBytes)
	}

	portMin, err := envIntOrDefault(lookup, envVarUDPPortMin, 0)
	if err != nil {
		return Config{}, err
	}
	portMax, err := envIntOrDefault(lookup, envVarUDPPortMax, 0)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("livenix-bridge", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address")
	announcedIP := fs.String("announced-ip", "", "public IP announced in ICE candidates")
	fs.IntVar(&portMin, "webrtc-udp-port-min", portMin, "lowest UDP port for ICE (0 = ephemeral)")
	fs.IntVar(&portMax, "webrtc-udp-port-max", portMax, "highest UDP port for ICE (0 = ephemeral)")
	fs.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "maximum concurrently connected peers (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *announcedIP != "" {
		ip := net.ParseIP(*announcedIP)
		if ip == nil {
			return Config{}, fmt.Errorf("invalid -announced-ip %q", *announcedIP)
		}
		cfg.AnnouncedIP = ip
	}

	if portMin != 0 || portMax != 0 {
		if portMin <= 0 || portMax <= 0 || portMin > 65535 || portMax > 65535 || portMin > portMax {
			return Config{}, fmt.Errorf("invalid UDP port range %d-%d", portMin, portMax)
		}
		cfg.UDPPortRange = &PortRange{Min: uint16(portMin), Max: uint16(portMax)}
	}

	if cfg.MaxPeers < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarMaxPeers)
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessagesPerSecond)
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
