package kerberos

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/keytab"
)

// DefaultKeytabPollInterval is how often a KeytabWatcher checks the file.
const DefaultKeytabPollInterval = 60 * time.Second

// LoadKeytab reads and parses a keytab file.
func LoadKeytab(path string) (*keytab.Keytab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keytab file: %w", err)
	}

	kt := keytab.New()
	if err := kt.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parse keytab: %w", err)
	}
	return kt, nil
}

// KeytabWatcher polls a keytab file and swaps it into an Acceptor when its
// modification time changes. Keytabs are usually replaced by rename, which
// polling sees on every platform.
type KeytabWatcher struct {
	path     string
	acceptor *Acceptor
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	lastMod time.Time
	stopCh  chan struct{}
	stopped bool
}

// NewKeytabWatcher creates a watcher; it does nothing until Start. A
// non-positive interval uses DefaultKeytabPollInterval.
func NewKeytabWatcher(path string, a *Acceptor, interval time.Duration) *KeytabWatcher {
	if interval <= 0 {
		interval = DefaultKeytabPollInterval
	}
	return &KeytabWatcher{
		path:     path,
		acceptor: a,
		interval: interval,
		logger:   a.logger,
		stopCh:   make(chan struct{}),
	}
}

// Start records the current modification time and begins polling.
func (w *KeytabWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("keytab file not accessible: %w", err)
	}
	w.lastMod = info.ModTime()

	go w.pollLoop()
	w.logger.Info("Keytab hot-reload started", "path", w.path, "poll_interval", w.interval.String())
	return nil
}

// Stop ends polling. It is safe to call more than once.
func (w *KeytabWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}

func (w *KeytabWatcher) pollLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.checkAndReload()
		case <-w.stopCh:
			return
		}
	}
}

func (w *KeytabWatcher) checkAndReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Error("Keytab file stat failed", "path", w.path, "error", err)
		return
	}
	if info.ModTime().Equal(w.lastMod) {
		return
	}

	kt, err := LoadKeytab(w.path)
	if err != nil {
		// keep serving with the previous keytab
		w.logger.Error("Keytab reload failed", "path", w.path, "error", err)
		return
	}
	w.acceptor.SetKeytab(kt)
	w.lastMod = info.ModTime()
	w.logger.Info("Keytab reloaded", "path", w.path, "entries", len(kt.Entries))
}
