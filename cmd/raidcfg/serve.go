package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/raidcfg/pkg/controller"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a storage controller",
	Long: `Run the configuration database of one storage controller.

With --peer set the controller links to the other controller, pulls its
configuration if that one is already running, and mirrors every commit to
it. Without a peer the controller runs alone.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("controller-id", "", "Controller id (spa, spb)")
	serveCmd.Flags().String("listen", "", "Address for the peer link")
	serveCmd.Flags().String("peer", "", "Peer controller address")
	serveCmd.Flags().String("metrics-addr", "", "Address for /metrics and health endpoints")
	serveCmd.Flags().Duration("join-timeout", 30*time.Second, "How long to wait for the peer at startup")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("controller-id"); v != "" {
		cfg.ControllerID = v
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Peer.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("peer"); v != "" {
		cfg.Peer.PeerAddr = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	joinTimeout, _ := cmd.Flags().GetDuration("join-timeout")

	fmt.Println("Starting raidcfg controller...")
	fmt.Printf("  Controller ID: %s\n", cfg.ControllerID)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	if cfg.Peer.PeerAddr != "" {
		fmt.Printf("  Peer Link: %s -> %s\n", cfg.Peer.ListenAddr, cfg.Peer.PeerAddr)
	}
	fmt.Println()

	ctrl, err := controller.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	err = ctrl.Start(ctx)
	cancel()
	if err != nil {
		_ = ctrl.Shutdown()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	db := ctrl.Database()
	fmt.Printf("✓ Database %s (generation %d)\n", db.State(), db.Generation())
	if node := ctrl.Node(); node != nil {
		fmt.Printf("✓ Peer link up (authoritative: %v)\n", node.Authoritative())
	}
	fmt.Println()
	fmt.Println("Controller is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	if err := ctrl.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}
