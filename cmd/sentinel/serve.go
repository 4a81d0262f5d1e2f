package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/fortiblox/X1-Sentinel/pkg/config"
	"github.com/fortiblox/X1-Sentinel/pkg/node"
	"github.com/spf13/cobra"
)

// variables for flags
var (
	configFile string
	dataDir    string
	rpcAddr    string
	grpcAddr   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a verification node",
	Long: `Runs a node serving verifications over JSON-RPC and, when enabled, gRPC.
Flags override the values of the configuration file.
Example) sentinel serve --config sentinel.yaml --grpc-addr :8900`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := serveConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the YAML configuration file")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory for the verdict cache")
	serveCmd.Flags().StringVar(&rpcAddr, "rpc-addr", "", "JSON-RPC listen address")
	serveCmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (enables gRPC)")
}

func serveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("rpc-addr") {
		cfg.RPC.Enabled = rpcAddr != ""
		cfg.RPC.Addr = rpcAddr
	}
	if flags.Changed("grpc-addr") {
		cfg.GRPC.Enabled = grpcAddr != ""
		cfg.GRPC.Addr = grpcAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log.Printf("Starting X1-Sentinel %s", Version)

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	if err := n.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Shutting down...")
			st := n.Stats()
			log.Printf("Verified %d programs (%d accepted, %d rejected), %d cache hits",
				st.Verified, st.Accepted, st.Rejected, st.CacheHits)
			return n.Stop()
		case <-ticker.C:
			status := n.Status()
			log.Printf("Status: verified=%d cache_hits=%d cache_entries=%d",
				status.Stats.Verified, status.Stats.CacheHits, status.Stats.CacheEntries)
			if status.LastError != nil {
				log.Printf("Last error: %v", status.LastError)
			}
		}
	}
}
