package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	// DefaultRetention is how long published files stay in the directory.
	DefaultRetention = 10 * time.Minute

	messageExt = ".msg.json"
	tmpPrefix  = ".tmp-"
)

// DirOptions configures a DirMedium.
type DirOptions struct {
	// Retention bounds the age of message files. Older files are pruned on
	// every publish. Default: DefaultRetention.
	Retention time.Duration

	// Logger receives delivery problems. Default: slog.Default().
	Logger *slog.Logger
}

// DirMedium broadcasts through a directory shared by every process of the
// client. Each message is one file, written atomically (temp file + rename).
// Peers learn about new files through fsnotify.
//
// Thread-safety: all methods are safe for concurrent use.
type DirMedium struct {
	dir       string
	origin    string
	retention time.Duration
	logger    *slog.Logger

	watcher *fsnotify.Watcher
	subs    handlers
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	seen   map[string]time.Time
}

var _ Medium = (*DirMedium)(nil)

// NewDirMedium creates the directory if needed and starts watching it.
// origin is this process's instance ID; files it published are never
// delivered back to it.
func NewDirMedium(dir, origin string, opts DirOptions) (*DirMedium, error) {
	if origin == "" {
		return nil, fmt.Errorf("dir medium: origin is required")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dir medium: create %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dir medium: new watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("dir medium: watch %s: %w", dir, err)
	}

	d := &DirMedium{
		dir:       dir,
		origin:    origin,
		retention: opts.Retention,
		logger:    opts.Logger,
		watcher:   watcher,
		done:      make(chan struct{}),
		seen:      make(map[string]time.Time),
	}

	d.wg.Add(1)
	go d.watch()
	return d, nil
}

// Dir returns the watched directory.
func (d *DirMedium) Dir() string {
	return d.dir
}

// Publish writes msg as a new file in the shared directory.
func (d *DirMedium) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	msg.Origin = d.origin
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dir medium: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("dir medium: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("dir medium: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("dir medium: close temp: %w", err)
	}

	final := filepath.Join(d.dir, fmt.Sprintf("%d-%s%s", msg.SentAt.UnixNano(), msg.ID, messageExt))
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("dir medium: rename: %w", err)
	}

	d.prune(time.Now())
	return nil
}

// Subscribe registers fn for messages published by other processes.
func (d *DirMedium) Subscribe(fn Handler) func() {
	return d.subs.add(fn)
}

// Close stops the watcher. Files already written are left for peers.
func (d *DirMedium) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	err := d.watcher.Close()
	d.wg.Wait()
	return err
}

func (d *DirMedium) watch() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			d.handleFile(event.Name)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("broadcast watcher error", "dir", d.dir, "error", err)
		}
	}
}

func (d *DirMedium) handleFile(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, messageExt) {
		return
	}

	d.mu.Lock()
	if _, dup := d.seen[name]; dup {
		d.mu.Unlock()
		return
	}
	d.seen[name] = time.Now()
	d.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		// Pruned by a peer before we got to it.
		if !os.IsNotExist(err) {
			d.logger.Warn("broadcast read failed", "path", path, "error", err)
		}
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		d.logger.Warn("broadcast decode failed", "path", path, "error", err)
		return
	}
	if msg.Origin == d.origin {
		return
	}
	d.subs.deliver(msg)
}

// prune removes message files older than the retention window and forgets
// their names.
func (d *DirMedium) prune(now time.Time) {
	cutoff := now.Add(-d.retention)

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Warn("broadcast prune: read dir failed", "dir", d.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(d.dir, e.Name()))
		}
	}

	d.mu.Lock()
	for name, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, name)
		}
	}
	d.mu.Unlock()
}
