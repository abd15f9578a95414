// Package daemon runs the background sync scheduler.
//
// The daemon:
// 1. Periodically drains the offline queue of every configured site
// 2. Watches the attachment staging roots for compose activity
// 3. Triggers an early sync after a quiet period of file churn
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/campusmobile/forumqueue/internal/attachments"
	"github.com/campusmobile/forumqueue/internal/forum"
	"github.com/campusmobile/forumqueue/internal/sites"
)

// Engine is the sync surface the daemon drives, one batch call per site.
type Engine interface {
	SyncAll(ctx context.Context, site sites.Site, force bool) (forum.SyncResult, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often the periodic pass runs. The engine's own
	// throttle keeps frequent passes cheap.
	SyncInterval time.Duration

	// DebounceInterval is how long a staging root must stay quiet after
	// file churn before an early sync fires. This batches rapid compose
	// activity together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     2 * time.Minute,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// RotatingLogger returns a logger writing to a size-rotated file, for
// long-running daemon deployments.
func RotatingLogger(path, prefix string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}, prefix, log.LstdFlags)
}

// Daemon schedules background syncs across the configured sites.
type Daemon struct {
	engine Engine
	sites  []sites.Site
	config *Config

	watcher *fsnotify.Watcher

	// changed maps a site id to the time of its last staging event.
	changed   map[string]time.Time
	changedMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon for the given sites.
//
// Use Start() to begin scheduling.
func New(engine Engine, siteList []sites.Site, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if len(siteList) == 0 {
		return nil, fmt.Errorf("at least one site is required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:  engine,
		sites:   siteList,
		config:  config,
		watcher: watcher,
		changed: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Run one initial sync pass over all sites
// 2. Watch each site's staging root for compose activity
// 3. Run the periodic pass on every tick
// 4. Fire an early forced sync once a churned site goes quiet
//
// This blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.syncSites(false)

	for _, site := range d.sites {
		root := attachments.StageRoot(site)
		if err := os.MkdirAll(root, 0755); err != nil {
			return fmt.Errorf("failed to create staging root for %s: %w", site.ID, err)
		}
		if err := d.watchRecursive(root); err != nil {
			return fmt.Errorf("failed to watch staging root for %s: %w", site.ID, err)
		}
		d.config.Logger.Printf("Watching: %s", root)
	}

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.periodicSync()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// watchRecursive adds a directory and its current subdirectories to the
// watcher. fsnotify watches are not recursive, and each record stages into
// its own subfolder, so new directories are added as their create events
// arrive.
func (d *Daemon) watchRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return d.watcher.Add(path)
		}
		return nil
	})
}

// watchFileEvents monitors filesystem events and queues affected sites.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := d.watcher.Add(event.Name); err != nil {
						d.config.Logger.Printf("Failed to watch %s: %v", event.Name, err)
					}
				}
			}

			if siteID, ok := d.siteForPath(event.Name); ok {
				d.queueChange(siteID)
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// siteForPath maps an event path back to the site whose staging root
// contains it.
func (d *Daemon) siteForPath(path string) (string, bool) {
	for _, site := range d.sites {
		root := attachments.StageRoot(site)
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return site.ID, true
		}
	}
	return "", false
}

// queueChange records staging activity for a site with debouncing.
func (d *Daemon) queueChange(siteID string) {
	d.changedMu.Lock()
	defer d.changedMu.Unlock()

	d.changed[siteID] = time.Now()
}

// processChangeQueue fires early syncs for sites whose staging root has
// gone quiet.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges syncs sites whose churn is old enough. The early
// sync is forced: staging activity means the user just queued something,
// and waiting out the throttle would defeat the point.
func (d *Daemon) processPendingChanges() {
	now := time.Now()

	d.changedMu.Lock()
	var due []string
	for siteID, changedAt := range d.changed {
		if now.Sub(changedAt) < d.config.DebounceInterval {
			continue
		}
		due = append(due, siteID)
		delete(d.changed, siteID)
	}
	d.changedMu.Unlock()

	for _, siteID := range due {
		site, ok := d.siteByID(siteID)
		if !ok {
			continue
		}
		d.config.Logger.Printf("Staging activity on %s, syncing early", siteID)
		d.syncSite(site, true)
	}
}

func (d *Daemon) siteByID(id string) (sites.Site, bool) {
	for _, site := range d.sites {
		if site.ID == id {
			return site, true
		}
	}
	return sites.Site{}, false
}

// periodicSync runs the unforced pass on every tick.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.syncSites(false)
		}
	}
}

func (d *Daemon) syncSites(force bool) {
	for _, site := range d.sites {
		d.syncSite(site, force)
	}
}

func (d *Daemon) syncSite(site sites.Site, force bool) {
	result, err := d.engine.SyncAll(d.ctx, site, force)
	if err != nil {
		d.config.Logger.Printf("Sync pass for %s incomplete: %v", site.ID, err)
	}
	if result.Updated {
		d.config.Logger.Printf("Sync pass for %s delivered changes (%d warning(s))", site.ID, len(result.Warnings))
	}
}
