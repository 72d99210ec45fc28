// Package config loads the router configuration from environment variables
// with command-line flag overrides, and validates it at startup so wiring
// mistakes surface before any listener opens.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarWSHost          = "SIGNAL_ROUTER_WS_HOST"
	envVarWSPortBase      = "SIGNAL_ROUTER_WS_PORT_BASE"
	envVarAdminListenAddr = "SIGNAL_ROUTER_ADMIN_LISTEN_ADDR"
	envVarShards          = "SIGNAL_ROUTER_SHARDS"
	envVarBroadcastPolicy = "SIGNAL_ROUTER_BROADCAST_POLICY"
	envVarGroups          = "SIGNAL_ROUTER_GROUPS"
	envVarChannelDepth    = "SIGNAL_ROUTER_CHANNEL_DEPTH"
	envVarMaxMessageBytes = "SIGNAL_ROUTER_MAX_MESSAGE_BYTES"
	envVarWSIdleTimeout   = "SIGNAL_ROUTER_WS_IDLE_TIMEOUT"
	envVarWSPingInterval  = "SIGNAL_ROUTER_WS_PING_INTERVAL"
	envVarShutdownTimeout = "SIGNAL_ROUTER_SHUTDOWN_TIMEOUT"
	envVarTLSCertFile     = "SIGNAL_ROUTER_TLS_CERT_FILE"
	envVarTLSKeyFile      = "SIGNAL_ROUTER_TLS_KEY_FILE"
	envVarLogFormat       = "SIGNAL_ROUTER_LOG_FORMAT"
	envVarLogLevel        = "SIGNAL_ROUTER_LOG_LEVEL"
)

const (
	DefaultWSHost          = "0.0.0.0"
	DefaultWSPortBase      = 9090
	DefaultAdminListenAddr = ":9191"
	DefaultChannelDepth    = 1024
	DefaultMaxMessageBytes = 64 * 1024
	DefaultWSIdleTimeout   = 5 * time.Minute
	DefaultWSPingInterval  = 30 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultGroups          = "p2p,group_chat"
)

// BroadcastPolicy controls whether presence events are fanned out to every
// connected client or withheld for future contact-scoped delivery.
type BroadcastPolicy string

const (
	BroadcastAll BroadcastPolicy = "all"
	// BroadcastContacts is accepted but currently a documented no-op:
	// presence events are recorded at the coordinator and not fanned out.
	BroadcastContacts BroadcastPolicy = "contacts"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

var groupNameRe = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

type Config struct {
	// WSHost and WSPortBase place the per-shard client WebSocket listeners:
	// shard i listens on WSHost:(WSPortBase+i).
	WSHost     string
	WSPortBase int

	// AdminListenAddr serves the admin REST API, health, and metrics.
	AdminListenAddr string

	// Shards is the number of worker event loops.
	Shards int

	BroadcastPolicy BroadcastPolicy

	// GroupNames is the fixed set of joinable groups. Group registration with
	// any other name fails.
	GroupNames []string

	// ChannelDepth bounds in-flight frames per coordinator<->worker link.
	ChannelDepth int

	// MaxMessageBytes caps one inbound client WebSocket message.
	MaxMessageBytes int64

	WSIdleTimeout   time.Duration
	WSPingInterval  time.Duration
	ShutdownTimeout time.Duration

	TLSCertFile string
	TLSKeyFile  string

	LogFormat LogFormat
	LogLevel  slog.Level

	// ICEServers is handed to clients verbatim via the admin API so browsers
	// can build their RTCPeerConnection config from the same deployment.
	ICEServers []webrtc.ICEServer
}

func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// GroupEnabled reports whether name is one of the configured group names.
func (c Config) GroupEnabled(name string) bool {
	for _, g := range c.GroupNames {
		if g == name {
			return true
		}
	}
	return false
}

// WSAddr returns the client listen address for one shard.
func (c Config) WSAddr(shard int) string {
	return fmt.Sprintf("%s:%d", c.WSHost, c.WSPortBase+shard)
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	wsHost := envOrDefault(lookup, envVarWSHost, DefaultWSHost)
	adminListenAddr := envOrDefault(lookup, envVarAdminListenAddr, DefaultAdminListenAddr)
	policyStr := envOrDefault(lookup, envVarBroadcastPolicy, string(BroadcastAll))
	groupsStr := envOrDefault(lookup, envVarGroups, DefaultGroups)
	tlsCertFile := envOrDefault(lookup, envVarTLSCertFile, "")
	tlsKeyFile := envOrDefault(lookup, envVarTLSKeyFile, "")
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	wsPortBase, err := envIntOrDefault(lookup, envVarWSPortBase, DefaultWSPortBase)
	if err != nil {
		return Config{}, err
	}
	shards, err := envIntOrDefault(lookup, envVarShards, runtime.NumCPU())
	if err != nil {
		return Config{}, err
	}
	channelDepth, err := envIntOrDefault(lookup, envVarChannelDepth, DefaultChannelDepth)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault[int64](lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	fs := flag.NewFlagSet("signal-router", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&wsHost, "ws-host", wsHost, "Bind host for client WebSocket listeners (env "+envVarWSHost+")")
	fs.IntVar(&wsPortBase, "ws-port-base", wsPortBase, "First client WebSocket port; shard i listens on base+i (env "+envVarWSPortBase+")")
	fs.StringVar(&adminListenAddr, "admin-listen-addr", adminListenAddr, "Admin/REST listen address (env "+envVarAdminListenAddr+")")
	fs.IntVar(&shards, "shards", shards, "Number of worker shards (env "+envVarShards+"; default: available CPUs)")
	fs.StringVar(&policyStr, "broadcast-policy", policyStr, "Presence broadcast policy: all or contacts (env "+envVarBroadcastPolicy+")")
	fs.StringVar(&groupsStr, "groups", groupsStr, "Comma-separated enabled group names (env "+envVarGroups+")")
	fs.IntVar(&channelDepth, "channel-depth", channelDepth, "Buffered frames per coordinator<->worker link (env "+envVarChannelDepth+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound client message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle client connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on client connections; must be < --ws-idle-timeout (env "+envVarWSPingInterval+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&tlsCertFile, "tls-cert", tlsCertFile, "TLS certificate file; enables TLS together with --tls-key (env "+envVarTLSCertFile+")")
	fs.StringVar(&tlsKeyFile, "tls-key", tlsKeyFile, "TLS private key file (env "+envVarTLSKeyFile+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config handed to clients (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if shards <= 0 {
		return Config{}, fmt.Errorf("shards must be positive, got %d", shards)
	}
	if wsPortBase <= 0 || wsPortBase+shards-1 > 65535 {
		return Config{}, fmt.Errorf("ws-port-base %d leaves no room for %d shards", wsPortBase, shards)
	}
	if channelDepth <= 0 {
		return Config{}, fmt.Errorf("channel-depth must be positive, got %d", channelDepth)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max-message-bytes must be positive, got %d", maxMessageBytes)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("ws-ping-interval (%s) must be shorter than ws-idle-timeout (%s)", wsPingInterval, wsIdleTimeout)
	}
	if (tlsCertFile == "") != (tlsKeyFile == "") {
		return Config{}, fmt.Errorf("tls-cert and tls-key must be set together")
	}

	policy, err := parseBroadcastPolicy(policyStr)
	if err != nil {
		return Config{}, err
	}

	groups, err := parseGroups(groupsStr)
	if err != nil {
		return Config{}, err
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		WSHost:          wsHost,
		WSPortBase:      wsPortBase,
		AdminListenAddr: adminListenAddr,
		Shards:          shards,
		BroadcastPolicy: policy,
		GroupNames:      groups,
		ChannelDepth:    channelDepth,
		MaxMessageBytes: maxMessageBytes,
		WSIdleTimeout:   wsIdleTimeout,
		WSPingInterval:  wsPingInterval,
		ShutdownTimeout: shutdownTimeout,
		TLSCertFile:     tlsCertFile,
		TLSKeyFile:      tlsKeyFile,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ICEServers:      iceServers,
	}, nil
}

func parseBroadcastPolicy(raw string) (BroadcastPolicy, error) {
	switch BroadcastPolicy(strings.TrimSpace(strings.ToLower(raw))) {
	case BroadcastAll:
		return BroadcastAll, nil
	case BroadcastContacts:
		return BroadcastContacts, nil
	default:
		return "", fmt.Errorf("unsupported broadcast policy %q (want all or contacts)", raw)
	}
}

func parseGroups(raw string) ([]string, error) {
	parts := splitCommaSeparated(raw)
	if len(parts) == 0 {
		return nil, fmt.Errorf("at least one group name must be configured")
	}
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, name := range parts {
		if !groupNameRe.MatchString(name) {
			return nil, fmt.Errorf("invalid group name %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate group name %q", name)
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.TrimSpace(strings.ToLower(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (want text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

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
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault[T int | int64](lookup func(string) (string, bool), key string, fallback T) (T, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return T(n), nil
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
	return d, nil
}
