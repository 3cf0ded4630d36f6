package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sshsync/pkg/config"
	"sshsync/pkg/discovery"
	"sshsync/pkg/group"
	"sshsync/pkg/metrics"
	"sshsync/pkg/node"
	"sshsync/pkg/sshconfig"
	"sshsync/pkg/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sshsync",
		Short: "Keep an SSH client config identical across a group of machines",
		Long: `sshsync watches a local SSH config file and exchanges it peer-to-peer with
every machine that knows the same group secret. The most recently edited
copy wins.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: SSHSYNC_* environment)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		runCmd(),
		initCmd(),
		statusCmd(),
		rotateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		groupFile string
		sshConfig string
		listen    string
		advertise string
		peers     []string
		etcd      []string
		metricsAt string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("group-file") {
				cfg.GroupFile = groupFile
			}
			if flags.Changed("ssh-config") {
				cfg.SSHConfig = sshConfig
			}
			if flags.Changed("listen") {
				cfg.ListenAddress = listen
			}
			if flags.Changed("advertise") {
				cfg.AdvertiseAddress = advertise
			}
			if flags.Changed("peer") {
				cfg.BootstrapPeers = peers
			}
			if flags.Changed("etcd") {
				cfg.EtcdEndpoints = etcd
			}
			if flags.Changed("metrics") {
				cfg.MetricsAddress = metricsAt
			}

			logger := setupLogger(verbose)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&groupFile, "group-file", group.DefaultPath, "group file path")
	cmd.Flags().StringVar(&sshConfig, "ssh-config", "", "SSH config to synchronize (default: derived from userName)")
	cmd.Flags().StringVar(&listen, "listen", config.DefaultListenAddress, "listen address for peer connections")
	cmd.Flags().StringVar(&advertise, "advertise", "", "address announced to other peers")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "bootstrap peer, host:port or <peer-id>@host:port (repeatable)")
	cmd.Flags().StringSliceVar(&etcd, "etcd", nil, "etcd endpoint for peer discovery (repeatable)")
	cmd.Flags().StringVar(&metricsAt, "metrics", "", "serve Prometheus metrics on this address")

	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := group.Open(cfg.GroupFile, logger.Named("group"))
	if err != nil {
		return err
	}

	path := cfg.SSHConfig
	if path == "" {
		path = sshconfig.DefaultPath(store.UserName())
	}
	file := sshconfig.New(path, logger.Named("sshconfig"))

	if err := node.Prepare(store, file); err != nil {
		if errors.Is(err, group.ErrNoUserName) {
			logger.Error("userName is not set, run 'sshsync init --user <name>' first",
				zap.String("group_file", cfg.GroupFile))
		}
		return err
	}

	m := metrics.New(prometheus.NewRegistry())
	m.SetBuildInfo(version)
	if cfg.MetricsAddress != "" {
		server := m.StartServer(cfg.MetricsAddress, logger.Named("metrics"))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	disc, err := buildDiscovery(cfg, logger)
	if err != nil {
		return err
	}
	if disc != nil {
		defer disc.Close()
	}

	limit, err := cfg.MessageLimit()
	if err != nil {
		return err
	}

	tr, err := transport.NewGRPC(transport.GRPCConfig{
		ListenAddr:      cfg.ListenAddress,
		AdvertiseAddr:   cfg.AdvertiseAddress,
		Identity:        store.Identity(),
		Discovery:       disc,
		RefreshInterval: cfg.RefreshInterval,
		MaxMessageSize:  limit,
	}, logger.Named("transport"))
	if err != nil {
		return err
	}
	defer tr.Close()

	n := node.New(node.Config{QueueSize: cfg.QueueSize}, store, file, tr, logger, m)
	return n.Run(ctx)
}

// buildDiscovery returns nil when neither bootstrap peers nor etcd are set;
// the node then only accepts inbound connections.
func buildDiscovery(cfg *config.Config, logger *zap.Logger) (discovery.Discovery, error) {
	var sources discovery.Multi

	if len(cfg.BootstrapPeers) > 0 {
		static, err := discovery.NewStatic(cfg.BootstrapPeers)
		if err != nil {
			return nil, err
		}
		sources = append(sources, static)
	}

	if len(cfg.EtcdEndpoints) > 0 {
		etcd, err := discovery.NewEtcd(cfg.EtcdEndpoints, discovery.DefaultLeaseTTL, logger.Named("discovery"))
		if err != nil {
			return nil, err
		}
		sources = append(sources, etcd)
	}

	if len(sources) == 0 {
		logger.Warn("No bootstrap peers or etcd endpoints configured, waiting for inbound connections")
		return nil, nil
	}
	return sources, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sshsync v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
