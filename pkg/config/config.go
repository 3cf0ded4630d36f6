package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sshsync/pkg/group"
	"sshsync/pkg/utils"
)

const (
	DefaultListenAddress   = ":4650"
	DefaultRefreshInterval = 30 * time.Second
	DefaultQueueSize       = 32
	DefaultMaxMessageSize  = "4MiB"

	minMessageSize = utils.KiloByte
)

// Config holds the daemon settings. Group credentials live in the group
// file, not here.
type Config struct {
	GroupFile string `json:"group_file"`
	// SSHConfig overrides the target file derived from the group userName
	SSHConfig        string        `json:"ssh_config"`
	ListenAddress    string        `json:"listen_address"`
	AdvertiseAddress string        `json:"advertise_address"`
	BootstrapPeers   []string      `json:"bootstrap_peers"`
	EtcdEndpoints    []string      `json:"etcd_endpoints"`
	MetricsAddress   string        `json:"metrics_address"`
	RefreshInterval  time.Duration `json:"-"`
	QueueSize        int           `json:"queue_size"`
	// MaxMessageSize bounds one frame, and so the size of the synchronized file
	MaxMessageSize string `json:"max_message_size"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		GroupFile:       group.DefaultPath,
		ListenAddress:   DefaultListenAddress,
		RefreshInterval: DefaultRefreshInterval,
		QueueSize:       DefaultQueueSize,
		MaxMessageSize:  DefaultMaxMessageSize,
	}
}

// LoadConfig reads a JSON config file. Missing fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// configRaw accepts refresh_interval as a duration string or seconds
type configRaw struct {
	Config
	RefreshInterval interface{} `json:"refresh_interval"`
}

// Parse decodes a JSON config on top of the defaults
func Parse(data []byte) (*Config, error) {
	raw := configRaw{Config: *Default()}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := raw.Config
	switch v := raw.RefreshInterval.(type) {
	case nil:
	case float64:
		cfg.RefreshInterval = time.Duration(v * float64(time.Second))
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid refresh_interval: %w", err)
		}
		cfg.RefreshInterval = d
	default:
		return nil, fmt.Errorf("refresh_interval must be a number or string, got %T", v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds the config from SSHSYNC_* variables
func LoadFromEnv() (*Config, error) {
	def := Default()
	cfg := &Config{
		GroupFile:        getEnv("SSHSYNC_GROUP_FILE", def.GroupFile),
		SSHConfig:        getEnv("SSHSYNC_SSH_CONFIG", ""),
		ListenAddress:    getEnv("SSHSYNC_LISTEN_ADDRESS", def.ListenAddress),
		AdvertiseAddress: getEnv("SSHSYNC_ADVERTISE_ADDRESS", ""),
		BootstrapPeers:   splitList(os.Getenv("SSHSYNC_BOOTSTRAP_PEERS")),
		EtcdEndpoints:    splitList(os.Getenv("SSHSYNC_ETCD_ENDPOINTS")),
		MetricsAddress:   getEnv("SSHSYNC_METRICS_ADDRESS", ""),
		RefreshInterval:  def.RefreshInterval,
		QueueSize:        def.QueueSize,
		MaxMessageSize:   getEnv("SSHSYNC_MAX_MESSAGE_SIZE", def.MaxMessageSize),
	}

	if v := os.Getenv("SSHSYNC_REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SSHSYNC_REFRESH_INTERVAL: %w", err)
		}
		cfg.RefreshInterval = d
	}
	if v := os.Getenv("SSHSYNC_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SSHSYNC_QUEUE_SIZE: %w", err)
		}
		cfg.QueueSize = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path when given, the environment otherwise
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadConfig(path)
	}
	return LoadFromEnv()
}

// Validate rejects settings the daemon cannot run with
func (c *Config) Validate() error {
	if c.GroupFile == "" {
		return fmt.Errorf("group_file must not be empty")
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address must not be empty")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive, got %s", c.RefreshInterval)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	if _, err := c.MessageLimit(); err != nil {
		return err
	}
	return nil
}

// MessageLimit returns MaxMessageSize in bytes
func (c *Config) MessageLimit() (int, error) {
	n, err := utils.ParseSize(c.MaxMessageSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_message_size: %w", err)
	}
	if n < minMessageSize || n > utils.GigaByte {
		return 0, fmt.Errorf("max_message_size must be between 1KiB and 1GiB, got %s", utils.FormatSize(n))
	}
	return int(n), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList parses comma-separated values: alice:4650,bob:4650
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
