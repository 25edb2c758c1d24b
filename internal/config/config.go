package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon's ambient settings: where to listen, what a
// freshly created channel looks like by default, and the capacity of
// every bounded queue in the system (spec §5 "no unbounded queues").
// Loaded in layers -- system, then user, then environment overrides --
// the same pattern the teacher's config package uses for its own
// server/client settings.
type Config struct {
	Daemon  DaemonConfig  `toml:"daemon"`
	Channel ChannelConfig `toml:"channel"`
	Limits  LimitsConfig  `toml:"limits"`
}

type DaemonConfig struct {
	SocketPath  string `toml:"socket_path"`
	SessionName string `toml:"session_name"`
}

// ChannelConfig holds the defaults applied to a channel whose
// CreateChannel request left a field unset.
type ChannelConfig struct {
	Shell      string `toml:"shell"`
	WorkingDir string `toml:"working_dir"`
	Cols       int    `toml:"cols"`
	Rows       int    `toml:"rows"`
}

// LimitsConfig bounds every mailbox, event channel, and replay buffer in
// the daemon (spec §5, §9 Open Question iii).
type LimitsConfig struct {
	EventChanCapacity  int `toml:"event_chan_capacity"`
	ClientMailboxCap   int `toml:"client_mailbox_capacity"`
	ReplayBufferChunks int `toml:"replay_buffer_chunks"`
}

func DefaultConfig() *Config {
	runtimeDir := "/tmp"
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		runtimeDir = dir
	}

	return &Config{
		Daemon: DaemonConfig{
			SocketPath:  filepath.Join(runtimeDir, "ptymuxd", "default.sock"),
			SessionName: "default",
		},
		Channel: ChannelConfig{
			Shell: "",
			Cols:  80,
			Rows:  24,
		},
		Limits: LimitsConfig{
			EventChanCapacity:  256,
			ClientMailboxCap:   256,
			ReplayBufferChunks: 200,
		},
	}
}

// Load builds a Config from defaults, then a system config file, then a
// user config file, then environment variables, each layer overriding
// the last.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat("/etc/ptymuxd/config.toml"); err == nil {
		if _, err := toml.DecodeFile("/etc/ptymuxd/config.toml", cfg); err != nil {
			return nil, fmt.Errorf("decode system config: %w", err)
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(home, ".config", "ptymuxd", "config.toml")
		if _, err := os.Stat(userConfig); err == nil {
			if _, err := toml.DecodeFile(userConfig, cfg); err != nil {
				return nil, fmt.Errorf("decode user config: %w", err)
			}
		}
	}

	if v := os.Getenv("PTYMUXD_SOCKET_PATH"); v != "" {
		cfg.Daemon.SocketPath = v
	}
	if v := os.Getenv("PTYMUXD_SESSION_NAME"); v != "" {
		cfg.Daemon.SessionName = v
	}
	if v := os.Getenv("PTYMUXD_SHELL"); v != "" {
		cfg.Channel.Shell = v
	}
	if v := os.Getenv("PTYMUXD_WORKING_DIR"); v != "" {
		cfg.Channel.WorkingDir = v
	}
	if v := os.Getenv("PTYMUXD_COLS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid PTYMUXD_COLS: %q", v)
		}
		cfg.Channel.Cols = n
	}
	if v := os.Getenv("PTYMUXD_ROWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid PTYMUXD_ROWS: %q", v)
		}
		cfg.Channel.Rows = n
	}

	return cfg, nil
}

// EnsureSocketDir creates the parent directory of the configured socket
// path, matching the permission the teacher's EnsureDataDir uses.
func (c *Config) EnsureSocketDir() error {
	return os.MkdirAll(filepath.Dir(c.Daemon.SocketPath), 0o755)
}
