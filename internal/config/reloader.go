package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	ReloadStateIdle      ReloadState = "idle"
	ReloadStateReloading ReloadState = "reloading"
	ReloadStateStopped   ReloadState = "stopped"
)

// reloadTimeout bounds a single SIGHUP-triggered reload including callbacks
const reloadTimeout = 30 * time.Second

// ReloadCallback is called with the freshly loaded configuration. Returning
// an error aborts the reload and keeps the previous configuration current.
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader reloads the configuration file on SIGHUP. A running extension
// process uses it to pick up a new overflow limit or log level without
// tearing down its channel.
type Reloader struct {
	mu            sync.RWMutex
	configPath    string
	currentConfig *Config
	state         ReloadState
	signalChan    chan os.Signal
	stopCh        chan struct{}
	started       bool
	callbacks     []ReloadCallback
}

// NewReloader creates a new config reloader
func NewReloader(configPath string, initialConfig *Config) *Reloader {
	return &Reloader{
		configPath:    configPath,
		currentConfig: initialConfig,
		state:         ReloadStateIdle,
		signalChan:    make(chan os.Signal, 1),
	}
}

// Start begins listening for SIGHUP
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}

	r.stopCh = make(chan struct{})
	r.state = ReloadStateIdle
	signal.Notify(r.signalChan, syscall.SIGHUP)
	r.started = true
	log.Printf("[config_reloader] started, config_path=%s", r.configPath)

	go r.handleSignals(r.stopCh)
}

// Stop stops signal handling
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}

	signal.Stop(r.signalChan)
	close(r.stopCh)
	r.started = false
	r.state = ReloadStateStopped

	log.Print("[config_reloader] stopped")
}

// Reload loads the configuration again and runs every callback with it
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		log.Print("[config_reloader] reload already in progress, skipping")
		return nil
	}
	r.state = ReloadStateReloading
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	newConfig, err := Load(r.configPath)
	if err != nil {
		r.setState(ReloadStateIdle)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			log.Printf("[config_reloader] reload callback failed, callback=%d, error=%v", i, err)
			r.setState(ReloadStateIdle)
			return fmt.Errorf("reload callbacks failed: %w", err)
		}
	}

	r.mu.Lock()
	r.currentConfig = newConfig
	r.state = ReloadStateIdle
	r.mu.Unlock()

	log.Print("[config_reloader] configuration reloaded successfully")
	return nil
}

// AddCallback adds a callback that will be called when config is reloaded
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConfig
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reloader) handleSignals(stopCh <-chan struct{}) {
	for {
		select {
		case sig := <-r.signalChan:
			log.Printf("[config_reloader] reload signal received, signal=%v", sig)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
				defer cancel()
				if err := r.Reload(ctx); err != nil {
					log.Printf("[config_reloader] configuration reload failed: %v", err)
				}
			}()
		case <-stopCh:
			return
		}
	}
}

func (r *Reloader) setState(state ReloadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// String returns a string representation of the reload state
func (s ReloadState) String() string {
	return string(s)
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return fmt.Sprintf("Reloader{state: %s, config_path: %s, callbacks: %d}",
		r.state, r.configPath, len(r.callbacks))
}
