// Package daemon runs the sync engine continuously: a periodic sync loop
// with graceful shutdown, plus an optional watch on the config file so
// interval changes take effect without a restart.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mirrorkit/mirror/internal/syncer"
)

// Config holds daemon configuration.
type Config struct {
	// Interval between sync rounds.
	Interval time.Duration

	// ConfigPath, when set, is watched for writes; ReloadInterval is then
	// consulted for a new interval after each change.
	ConfigPath string

	// ReloadInterval returns the currently configured interval. Called
	// after the config file changes; zero or negative keeps the old value.
	ReloadInterval func() time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 30 * time.Second,
		Logger:   log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives periodic sync rounds.
type Daemon struct {
	syncer *syncer.Syncer
	config *Config

	watcher  *fsnotify.Watcher
	interval chan time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon around the syncer.
func New(s *syncer.Syncer, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		syncer:   s,
		config:   config,
		interval: make(chan time.Duration, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called. The first
// sync round runs immediately.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.config.ConfigPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
		// Watch the directory; editors replace files on save, which drops
		// a direct file watch.
		if err := watcher.Add(filepath.Dir(d.config.ConfigPath)); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch config directory: %w", err)
		}
		d.wg.Add(1)
		go d.watchConfig()
	}

	d.wg.Add(1)
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts the daemon down, waiting for an in-flight round.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	d.runRound()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case iv := <-d.interval:
			d.config.Logger.Printf("Sync interval changed to %v", iv)
			ticker.Reset(iv)
		case <-ticker.C:
			d.runRound()
		}
	}
}

func (d *Daemon) runRound() {
	res, err := d.syncer.Sync(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Sync round failed: %v", err)
		return
	}
	if res != nil {
		d.config.Logger.Printf("Sync round complete: %d events, %d records in %v",
			res.Events, res.Total(), res.Duration)
	}
}

func (d *Daemon) watchConfig() {
	defer d.wg.Done()

	target := filepath.Clean(d.config.ConfigPath)
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			d.config.Logger.Printf("Config file changed: %s", event.Name)
			if d.config.ReloadInterval == nil {
				continue
			}
			if iv := d.config.ReloadInterval(); iv > 0 && iv != d.config.Interval {
				d.config.Interval = iv
				select {
				case d.interval <- iv:
				default:
				}
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}
