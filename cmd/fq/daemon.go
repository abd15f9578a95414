package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/campusmobile/forumqueue/internal/daemon"
	"github.com/campusmobile/forumqueue/internal/dashboard"
	"github.com/campusmobile/forumqueue/internal/forum"
	"github.com/campusmobile/forumqueue/internal/gateway"
	"github.com/campusmobile/forumqueue/internal/sites"
	"github.com/campusmobile/forumqueue/internal/syncer"
)

var daemonFlags struct {
	dashboard bool
	port      int
}

// multiEngine routes batch syncs to the per-site engine that owns the
// site's queue database.
type multiEngine struct {
	engines map[string]*syncer.Syncer
}

func (m *multiEngine) SyncAll(ctx context.Context, site sites.Site, force bool) (forum.SyncResult, error) {
	engine, ok := m.engines[site.ID]
	if !ok {
		return forum.SyncResult{}, fmt.Errorf("unknown site %q", site.ID)
	}
	return engine.SyncAll(ctx, site, force)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync scheduler (foreground)",
	Long: `Run the sync scheduler in the foreground.

The daemon periodically drains the offline queue of every configured
site, and watches the attachment staging folders so freshly queued
records are delivered shortly after they appear.

With --dashboard a WebSocket server broadcasts sync activity:
  sync_complete:    a forum or discussion finished syncing with changes
  record_discarded: a queued record was refused by the server
  pending_stats:    queue depth updates

Connect with a WebSocket client at ws://localhost:<port>/ws.`,
	Run: func(cmd *cobra.Command, args []string) {
		registry, err := sites.Load(viper.GetString("sites"))
		if err != nil {
			fatal(err)
		}

		var notifier syncer.Notifier
		if daemonFlags.dashboard {
			port := daemonFlags.port
			if port == 0 {
				port = viper.GetInt("dashboard_port")
			}
			dash := dashboard.NewServer(&dashboard.Config{Port: port})
			if err := dash.Start(); err != nil {
				fatal(err)
			}
			defer dash.Stop()
			notifier = dash

			fmt.Printf("Dashboard: ws://%s/ws\n", dash.Addr())
		}

		gw := gateway.New(nil)

		engines := make(map[string]*syncer.Syncer)
		var siteList []sites.Site
		for _, id := range registry.IDs() {
			site, err := registry.Get(id)
			if err != nil {
				fatal(err)
			}
			a, err := newSiteApp(site, gw, notifier)
			if err != nil {
				fatal(fmt.Errorf("site %s: %w", id, err))
			}
			defer a.Close()

			engines[site.ID] = a.engine
			siteList = append(siteList, site)
		}

		config := daemon.DefaultConfig()
		config.SyncInterval = viper.GetDuration("daemon_interval")
		config.DebounceInterval = viper.GetDuration("debounce_interval")
		if logFile := viper.GetString("log_file"); logFile != "" {
			config.Logger = daemon.RotatingLogger(logFile, "[daemon] ")
		}

		d, err := daemon.New(&multiEngine{engines: engines}, siteList, config)
		if err != nil {
			fatal(err)
		}

		fmt.Printf("Syncing %d site(s) every %s\n", len(siteList), config.SyncInterval)
		fmt.Println("Press Ctrl+C to stop")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fatal(err)
		}
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonFlags.dashboard, "dashboard", false, "serve the WebSocket activity dashboard")
	daemonCmd.Flags().IntVar(&daemonFlags.port, "port", 0, "dashboard port (default from config)")
	rootCmd.AddCommand(daemonCmd)
}
