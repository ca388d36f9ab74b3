package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offlinesync/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync engine until interrupted",
	Long: `Start every coordinator with auto-sync, scheduled cache maintenance,
connectivity probing and, when an owner is known, realtime subscriptions.

The config file is watched; setting connectivity.force_offline takes
effect without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noEvents, _ := cmd.Flags().GetBool("no-events")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Dispose()

		if !noEvents {
			a.Config.Events.Enabled = true
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := a.Serve(ctx, a.Config.Owner); err != nil {
			return err
		}
		if cfgFile != "" {
			a.WatchConfig(cfgFile)
		}

		fmt.Printf("%s offsync running (data: %s)\n", ui.RenderPass("✓"), a.Config.DataDir)
		if a.Config.Owner != "" {
			fmt.Printf("   Owner: %s\n", a.Config.Owner)
		}
		if addr := a.EventsAddr(); addr != "" {
			fmt.Printf("   Events: ws://%s/ws\n", addr)
			fmt.Printf("   Metrics: http://%s/metrics\n", addr)
		}
		if !a.Connectivity.Online() {
			fmt.Printf("%s Offline, writes will be queued\n", ui.RenderWarn("⚠"))
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()
		fmt.Println("\nShutting down...")
		return shutdown(a.Dispose)
	},
}

var eventsCmd = &cobra.Command{
	Use:     "events",
	GroupID: "sync",
	Short:   "Serve sync events over WebSocket",
	Long: `Start the event server only: /ws relays sync events as JSON,
/health reports liveness and /metrics exposes Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Dispose()

		a.Config.Events.Enabled = true
		if addr != "" {
			a.Config.Events.Addr = addr
		}
		a.Config.Cache.MaintenanceSchedule = ""

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if err := a.Serve(ctx, ""); err != nil {
			return err
		}

		fmt.Printf("Event server started on ws://%s/ws\n", a.EventsAddr())
		fmt.Printf("Health check: http://%s/health\n", a.EventsAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()
		return shutdown(a.Dispose)
	},
}

func shutdown(dispose func() error) error {
	if err := dispose(); err != nil && err != context.Canceled {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	fmt.Println("Stopped")
	return nil
}

func init() {
	runCmd.Flags().Bool("no-events", false, "do not start the event server")
	eventsCmd.Flags().String("addr", "", "listen address (overrides events.addr)")

	rootCmd.AddCommand(runCmd, eventsCmd)
}
