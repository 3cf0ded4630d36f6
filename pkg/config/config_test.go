package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sshsync/pkg/group"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name:  "empty object keeps defaults",
			input: `{}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, Default(), cfg)
			},
		},
		{
			name: "full config",
			input: `{
				"group_file": "/tmp/swarm.json",
				"ssh_config": "/tmp/config",
				"listen_address": "0.0.0.0:9000",
				"bootstrap_peers": ["a:1", "b:2"],
				"etcd_endpoints": ["http://etcd:2379"],
				"metrics_address": ":9100",
				"refresh_interval": "1m",
				"queue_size": 8
			}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/swarm.json", cfg.GroupFile)
				assert.Equal(t, "/tmp/config", cfg.SSHConfig)
				assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddress)
				assert.Equal(t, []string{"a:1", "b:2"}, cfg.BootstrapPeers)
				assert.Equal(t, []string{"http://etcd:2379"}, cfg.EtcdEndpoints)
				assert.Equal(t, ":9100", cfg.MetricsAddress)
				assert.Equal(t, time.Minute, cfg.RefreshInterval)
				assert.Equal(t, 8, cfg.QueueSize)
			},
		},
		{
			name:  "refresh interval in seconds",
			input: `{"refresh_interval": 5}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5*time.Second, cfg.RefreshInterval)
			},
		},
		{name: "bad duration", input: `{"refresh_interval": "soon"}`, wantErr: true},
		{name: "bad duration type", input: `{"refresh_interval": true}`, wantErr: true},
		{
			name:  "message size",
			input: `{"max_message_size": "256KiB"}`,
			check: func(t *testing.T, cfg *Config) {
				n, err := cfg.MessageLimit()
				require.NoError(t, err)
				assert.Equal(t, 256*1024, n)
			},
		},
		{name: "zero queue", input: `{"queue_size": 0}`, wantErr: true},
		{name: "message size too small", input: `{"max_message_size": "100B"}`, wantErr: true},
		{name: "message size garbage", input: `{"max_message_size": "lots"}`, wantErr: true},
		{name: "invalid json", input: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sshsync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen_address": ":1234"}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.ListenAddress)
	assert.Equal(t, group.DefaultPath, cfg.GroupFile)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SSHSYNC_GROUP_FILE", "/srv/swarm.json")
	t.Setenv("SSHSYNC_BOOTSTRAP_PEERS", " alice:4650, ,bob:4650 ")
	t.Setenv("SSHSYNC_REFRESH_INTERVAL", "10s")
	t.Setenv("SSHSYNC_QUEUE_SIZE", "4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/swarm.json", cfg.GroupFile)
	assert.Equal(t, []string{"alice:4650", "bob:4650"}, cfg.BootstrapPeers)
	assert.Nil(t, cfg.EtcdEndpoints)
	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, 10*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 4, cfg.QueueSize)
	assert.Equal(t, DefaultMaxMessageSize, cfg.MaxMessageSize)

	t.Setenv("SSHSYNC_REFRESH_INTERVAL", "often")
	_, err = LoadFromEnv()
	assert.Error(t, err)
}
