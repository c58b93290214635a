package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "EDUSYNC_RTC_LISTEN_ADDR"
	envVarLogFormat       = "EDUSYNC_RTC_LOG_FORMAT"
	envVarLogLevel        = "EDUSYNC_RTC_LOG_LEVEL"
	envVarShutdownTimeout = "EDUSYNC_RTC_SHUTDOWN_TIMEOUT"
	envVarChannelDBPath   = "EDUSYNC_RTC_CHANNEL_DB_PATH"
	envVarAllowedOrigins  = "EDUSYNC_RTC_ALLOWED_ORIGINS"

	// Signaling hardening knobs.
	envVarMaxSignalMessageBytes   = "EDUSYNC_RTC_MAX_SIGNAL_MESSAGE_BYTES"
	envVarSignalMessagesPerSecond = "EDUSYNC_RTC_SIGNAL_MESSAGES_PER_SECOND"
	envVarMaxRoomParticipants     = "EDUSYNC_RTC_MAX_ROOM_PARTICIPANTS"

	// TURN REST credential issuance (optional).
	envVarTURNRESTSecret = "EDUSYNC_RTC_TURN_REST_SECRET"
	envVarTURNRESTTTL    = "EDUSYNC_RTC_TURN_REST_TTL"
	envVarTURNRESTPrefix = "EDUSYNC_RTC_TURN_REST_USERNAME_PREFIX"
)

const (
	defaultListenAddr      = "127.0.0.1:8750"
	defaultLogFormat       = "json"
	defaultLogLevel        = "info"
	defaultShutdownTimeout = 10 * time.Second

	defaultMaxSignalMessageBytes   = 64 * 1024
	defaultSignalMessagesPerSecond = 50
	defaultMaxRoomParticipants     = 16

	defaultTURNRESTTTL    = 10 * time.Minute
	defaultTURNRESTPrefix = "edusync"
)

type Config struct {
	ListenAddr      string
	LogFormat       string
	LogLevel        string
	ShutdownTimeout time.Duration

	// ChannelDBPath is the sqlite file backing the channel directory. Empty
	// selects an in-memory directory (useful for dev and tests).
	ChannelDBPath string

	// AllowedOrigins overrides the default same-host browser origin policy.
	// Entries are normalized origins or "*".
	AllowedOrigins []string

	MaxSignalMessageBytes   int64
	SignalMessagesPerSecond int
	MaxRoomParticipants     int

	// ICEServers is the validated STUN/TURN list advertised to clients.
	ICEServers []webrtc.ICEServer
	// iceConfigErr records a deferred ICE config failure; the server starts but
	// reports not-ready until it is fixed (see ICEConfigError).
	iceConfigErr error

	TURNRESTSecret         string
	TURNRESTTTL            time.Duration
	TURNRESTUsernamePrefix string
}

// Load builds a Config from the environment.
//
// Hard validation errors (unparseable numbers/durations) fail Load; an invalid
// ICE server list is recorded via ICEConfigError instead so the HTTP surface
// can come up and report unreadiness.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      envOr(envVarListenAddr, defaultListenAddr),
		LogFormat:       strings.ToLower(envOr(envVarLogFormat, defaultLogFormat)),
		LogLevel:        strings.ToLower(envOr(envVarLogLevel, defaultLogLevel)),
		ShutdownTimeout: defaultShutdownTimeout,
		ChannelDBPath:   os.Getenv(envVarChannelDBPath),

		MaxSignalMessageBytes:   defaultMaxSignalMessageBytes,
		SignalMessagesPerSecond: defaultSignalMessagesPerSecond,
		MaxRoomParticipants:     defaultMaxRoomParticipants,

		TURNRESTSecret:         os.Getenv(envVarTURNRESTSecret),
		TURNRESTTTL:            defaultTURNRESTTTL,
		TURNRESTUsernamePrefix: envOr(envVarTURNRESTPrefix, defaultTURNRESTPrefix),
	}

	if raw := os.Getenv(envVarAllowedOrigins); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, entry)
			}
		}
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("%s: unsupported log format %q", envVarLogFormat, cfg.LogFormat)
	}

	if raw := os.Getenv(envVarShutdownTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%s: invalid duration %q", envVarShutdownTimeout, raw)
		}
		cfg.ShutdownTimeout = d
	}

	if raw := os.Getenv(envVarMaxSignalMessageBytes); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%s: invalid value %q", envVarMaxSignalMessageBytes, raw)
		}
		cfg.MaxSignalMessageBytes = n
	}

	if raw := os.Getenv(envVarSignalMessagesPerSecond); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%s: invalid value %q", envVarSignalMessagesPerSecond, raw)
		}
		cfg.SignalMessagesPerSecond = n
	}

	if raw := os.Getenv(envVarMaxRoomParticipants); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 1 {
			return Config{}, fmt.Errorf("%s: invalid value %q", envVarMaxRoomParticipants, raw)
		}
		cfg.MaxRoomParticipants = n
	}

	if raw := os.Getenv(envVarTURNRESTTTL); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%s: invalid duration %q", envVarTURNRESTTTL, raw)
		}
		cfg.TURNRESTTTL = d
	}

	servers, err := parseICEServersFromValues(
		os.Getenv(envICEServersJSON),
		os.Getenv(envStunURLs),
		os.Getenv(envTurnURLs),
		os.Getenv(envTurnUsername),
		os.Getenv(envTurnCredential),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = servers
	}
	if len(cfg.ICEServers) == 0 && cfg.iceConfigErr == nil {
		cfg.ICEServers = DefaultSTUNServers()
	}

	return cfg, nil
}

// ICEConfigError reports a deferred ICE configuration failure, if any.
func (c Config) ICEConfigError() error { return c.iceConfigErr }

// NewLogger builds the process-wide slog logger per LogFormat/LogLevel.
func NewLogger(cfg Config) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("%s: unsupported log level %q", envVarLogLevel, cfg.LogLevel)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.LogFormat {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
