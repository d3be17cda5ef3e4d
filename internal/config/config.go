// Package config loads configuration for collab-agent and collab-relay.
//
// Configuration comes from one YAML file named by --config or the
// COLLABTEXT_CONFIG environment variable, laid over built-in defaults.
// Command-line flags override file values. A missing file is an error only
// when one was named.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvVar names the config file when --config is absent.
const EnvVar = "COLLABTEXT_CONFIG"

// Transport kinds.
const (
	TransportRedis = "redis"
	TransportRelay = "relay"
	TransportNone  = "none"
)

// Agent configures collab-agent.
type Agent struct {
	User      UserConfig      `yaml:"user"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	State     StateConfig     `yaml:"state"`
	UI        UIConfig        `yaml:"ui"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Presence  PresenceConfig  `yaml:"presence"`
	Log       LogConfig       `yaml:"log"`
}

type UserConfig struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

type SessionConfig struct {
	// Link is a bare token or a share link. Empty starts a new session.
	Link string `yaml:"link"`
	// ShareBase is the URL share links are built on.
	ShareBase string `yaml:"share_base"`
}

type TransportConfig struct {
	Kind     string `yaml:"kind"`
	RedisURL string `yaml:"redis_url"`
	RelayURL string `yaml:"relay_url"`
	// CompressThreshold is the frame size above which frames are
	// compressed. Negative disables compression.
	CompressThreshold int `yaml:"compress_threshold"`
}

type StateConfig struct {
	// Path is the bbolt file holding hosted session tokens.
	Path string `yaml:"path"`
	// PostgresURL, when set, keeps the records in Postgres instead.
	PostgresURL string `yaml:"postgres_url"`
	// Owner scopes Postgres records to one agent.
	Owner string `yaml:"owner"`
}

type UIConfig struct {
	Listen    string `yaml:"listen"`
	StaticDir string `yaml:"static_dir"`
}

type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
}

type WorkspaceConfig struct {
	// SeedDir is loaded as the shared tree when this agent starts a new
	// session as host.
	SeedDir string `yaml:"seed_dir"`
	// MountDir is shown as a local-only subtree named MountName.
	MountDir  string `yaml:"mount_dir"`
	MountName string `yaml:"mount_name"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Relay configures collab-relay.
type Relay struct {
	Listen   string    `yaml:"listen"`
	RedisURL string    `yaml:"redis_url"`
	Log      LogConfig `yaml:"log"`
}

// DefaultAgent returns the agent defaults.
func DefaultAgent() *Agent {
	statePath := "collabtext-state.db"
	if dir, err := os.UserConfigDir(); err == nil {
		statePath = filepath.Join(dir, "collabtext", "state.db")
	}
	hostname, _ := os.Hostname()
	return &Agent{
		Transport: TransportConfig{Kind: TransportRelay, RelayURL: "http://localhost:8081"},
		State:     StateConfig{Path: statePath, Owner: hostname},
		UI:        UIConfig{Listen: ":8080"},
		Discovery: DiscoveryConfig{Service: "_collabtext._tcp"},
		Workspace: WorkspaceConfig{MountName: "agent_temp"},
		Presence:  PresenceConfig{HeartbeatInterval: 15 * time.Second, StaleAfter: time.Minute},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultRelay returns the relay defaults.
func DefaultRelay() *Relay {
	return &Relay{Listen: ":8081", Log: LogConfig{Level: "info", Format: "text"}}
}

// AgentFlags binds flags for the commonly overridden agent fields.
func (a *Agent) AgentFlags(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.String("config", "", "path to the YAML config file (default $"+EnvVar+")")
	flagSet.StringVar(&a.Session.Link, "session", a.Session.Link, "session token or share link to join")
	flagSet.StringVar(&a.User.Name, "name", a.User.Name, "display name")
	flagSet.StringVar(&a.Transport.Kind, "transport", a.Transport.Kind, "broadcast transport: redis, relay or none")
	flagSet.StringVar(&a.Transport.RedisURL, "redis-url", a.Transport.RedisURL, "redis URL for the redis transport")
	flagSet.StringVar(&a.Transport.RelayURL, "relay-url", a.Transport.RelayURL, "collab-relay base URL for the relay transport")
	flagSet.StringVar(&a.State.Path, "state", a.State.Path, "bbolt file recording hosted sessions")
	flagSet.StringVar(&a.UI.Listen, "listen", a.UI.Listen, "address of the editor UI")
	flagSet.StringVar(&a.UI.StaticDir, "static", a.UI.StaticDir, "directory of editor UI files")
	flagSet.StringVar(&a.Workspace.SeedDir, "seed", a.Workspace.SeedDir, "directory to share when starting a session")
	flagSet.StringVar(&a.Workspace.MountDir, "mount", a.Workspace.MountDir, "directory to show as a local-only area")
	flagSet.BoolVar(&a.Discovery.Enabled, "mdns", a.Discovery.Enabled, "announce the session on the local network")
	flagSet.StringVar(&a.Log.Level, "log-level", a.Log.Level, "debug, info, warn or error")
	flagSet.BoolP("help", "h", false, "show help")
	return flagSet
}

// RelayFlags binds flags for the relay fields.
func (r *Relay) RelayFlags(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.String("config", "", "path to the YAML config file (default $"+EnvVar+")")
	flagSet.StringVar(&r.Listen, "listen", r.Listen, "listen address")
	flagSet.StringVar(&r.RedisURL, "redis-url", r.RedisURL, "redis URL bridging several relay instances")
	flagSet.StringVar(&r.Log.Level, "log-level", r.Log.Level, "debug, info, warn or error")
	flagSet.BoolP("help", "h", false, "show help")
	return flagSet
}

// ParseAgent builds the agent configuration from defaults, the config file
// and args. It returns pflag.ErrHelp when help was requested, along with
// the flag set for printing usage.
func ParseAgent(name string, args []string) (*Agent, *pflag.FlagSet, error) {
	path, err := configPath(DefaultAgent().AgentFlags(name), args)
	if err != nil {
		return nil, nil, err
	}
	cfg := DefaultAgent()
	if err := loadFile(path, cfg); err != nil {
		return nil, nil, err
	}
	flagSet := cfg.AgentFlags(name)
	if err := parse(flagSet, args); err != nil {
		return nil, flagSet, err
	}
	return cfg, flagSet, cfg.Validate()
}

// ParseRelay is ParseAgent for collab-relay.
func ParseRelay(name string, args []string) (*Relay, *pflag.FlagSet, error) {
	path, err := configPath(DefaultRelay().RelayFlags(name), args)
	if err != nil {
		return nil, nil, err
	}
	cfg := DefaultRelay()
	if err := loadFile(path, cfg); err != nil {
		return nil, nil, err
	}
	flagSet := cfg.RelayFlags(name)
	if err := parse(flagSet, args); err != nil {
		return nil, flagSet, err
	}
	return cfg, flagSet, cfg.Log.validate()
}

func configPath(early *pflag.FlagSet, args []string) (string, error) {
	early.SetOutput(io.Discard)
	if err := early.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", err
	}
	path, _ := early.GetString("config")
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	return path, nil
}

func parse(flagSet *pflag.FlagSet, args []string) error {
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		return pflag.ErrHelp
	}
	return nil
}

func loadFile(path string, into any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (a *Agent) Validate() error {
	switch a.Transport.Kind {
	case TransportRedis:
		if a.Transport.RedisURL == "" {
			return errors.New("transport.redis_url is required for the redis transport")
		}
	case TransportRelay:
		if a.Transport.RelayURL == "" {
			return errors.New("transport.relay_url is required for the relay transport")
		}
	case TransportNone:
	default:
		return fmt.Errorf("unknown transport.kind %q (want redis, relay or none)", a.Transport.Kind)
	}
	if a.State.Path == "" && a.State.PostgresURL == "" {
		return errors.New("one of state.path or state.postgres_url is required")
	}
	if a.Presence.HeartbeatInterval <= 0 {
		return errors.New("presence.heartbeat_interval must be positive")
	}
	if a.Presence.StaleAfter < a.Presence.HeartbeatInterval {
		return errors.New("presence.stale_after must not be shorter than presence.heartbeat_interval")
	}
	if a.Workspace.MountDir != "" && (a.Workspace.MountName == "" || strings.Contains(a.Workspace.MountName, "/")) {
		return fmt.Errorf("workspace.mount_name %q must be a single path element", a.Workspace.MountName)
	}
	return a.Log.validate()
}

func (l LogConfig) validate() error {
	if _, err := l.level(); err != nil {
		return err
	}
	switch l.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("unknown log.format %q (want text or json)", l.Format)
	}
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}
