package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/campusmobile/forumqueue/internal/attachments"
	"github.com/campusmobile/forumqueue/internal/composer"
	"github.com/campusmobile/forumqueue/internal/gateway"
	"github.com/campusmobile/forumqueue/internal/sites"
	"github.com/campusmobile/forumqueue/internal/store"
	"github.com/campusmobile/forumqueue/internal/syncer"
)

var (
	cfgFile string
	siteID  string
)

var rootCmd = &cobra.Command{
	Use:   "fq",
	Short: "Offline forum queue and sync engine",
	Long: `fq queues forum discussions and replies composed while offline and
delivers them to the campus server when connectivity returns.

Records live in a per-site SQLite queue, attachments are staged on disk,
and the sync engine guarantees each record is deleted only after the
server definitively accepted or refused it.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.forumqueue/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&siteID, "site", "", "site id (default: the registry's default site)")
}

func initConfig() {
	configDir := defaultConfigDir()

	viper.SetDefault("sites", filepath.Join(configDir, "sites.yaml"))
	viper.SetDefault("sync_interval", "5m")
	viper.SetDefault("daemon_interval", "2m")
	viper.SetDefault("debounce_interval", "2s")
	viper.SetDefault("dashboard_port", 8347)
	viper.SetDefault("log_file", "")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("FQ")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".forumqueue")
}

// app bundles the per-site stack behind the CLI commands.
type app struct {
	site     sites.Site
	store    *store.Store
	gateway  *gateway.Client
	resolver *attachments.Resolver
	engine   *syncer.Syncer
	composer *composer.Composer
}

// newApp resolves the selected site and wires the queue store, gateway,
// attachment resolver, sync engine, and composer for it.
func newApp(notifier syncer.Notifier) (*app, error) {
	registry, err := sites.Load(viper.GetString("sites"))
	if err != nil {
		return nil, err
	}

	site := registry.Default()
	if siteID != "" {
		site, err = registry.Get(siteID)
		if err != nil {
			return nil, err
		}
	}

	return newSiteApp(site, nil, notifier)
}

func newSiteApp(site sites.Site, gw *gateway.Client, notifier syncer.Notifier) (*app, error) {
	st, err := store.Open(site.QueuePath())
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(context.Background()); err != nil {
		st.Close()
		return nil, err
	}

	if gw == nil {
		gw = gateway.New(nil)
	}
	resolver := attachments.New(gw, nil)

	engineConfig := syncer.DefaultConfig()
	engineConfig.MinSyncInterval = viper.GetDuration("sync_interval")

	engine := syncer.New(st, gw, resolver, gw, notifier, engineConfig)
	comp := composer.New(st, gw, resolver, engine.Guard(), nil)

	return &app{
		site:     site,
		store:    st,
		gateway:  gw,
		resolver: resolver,
		engine:   engine,
		composer: comp,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close queue: %v\n", err)
	}
}

// fatal prints an error and exits.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
