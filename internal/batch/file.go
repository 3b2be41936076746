package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/qualitrace/internal/observability"
)

const reloadDebounce = 200 * time.Millisecond

// fileFormat is the on-disk layout of a batch file.
type fileFormat struct {
	Batches []Batch `yaml:"batches"`
}

// FileDirectory is a Directory loaded from a YAML file:
//
//	batches:
//	  - id: CB001
//	    product: Arabica coffee
//	    origin: Nyeri
type FileDirectory struct {
	catalog
	path    string
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a FileDirectory.
type Option func(*FileDirectory)

// WithLogger sets the directory logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *FileDirectory) { d.logger = l }
}

// WithMetrics records reloads and directory size.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *FileDirectory) { d.metrics = m }
}

// LoadFileDirectory reads path and returns a directory over its batches.
func LoadFileDirectory(path string, opts ...Option) (*FileDirectory, error) {
	d := &FileDirectory{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Path returns the watched file path.
func (d *FileDirectory) Path() string {
	return d.path
}

// Reload re-reads the file. On error the previous batch set is kept.
func (d *FileDirectory) Reload() error {
	batches, err := readFile(d.path)
	if err != nil {
		d.metrics.RecordDirectoryReload(false, 0)
		return err
	}
	batches, index := normalize(batches)
	d.replace(batches, index)
	d.metrics.RecordDirectoryReload(true, len(batches))
	d.logger.Info("batch directory loaded", zap.String("path", d.path), zap.Int("batches", len(batches)))
	return nil
}

func readFile(path string) ([]Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("batch directory: reading %s: %w", path, err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("batch directory: parsing %s: %w", path, err)
	}
	return f.Batches, nil
}

// Watch reloads the directory whenever the file changes, until ctx is done.
// The parent directory is watched so that editors which replace the file by
// rename are picked up.
func (d *FileDirectory) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("batch directory: create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(d.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("batch directory: watch %s: %w", filepath.Dir(target), err)
	}
	d.logger.Info("watching batch directory", zap.String("path", target))

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts of writes from a single save.
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerCh = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("batch directory watcher error", zap.Error(err))

		case <-timerCh:
			timerCh = nil
			if err := d.Reload(); err != nil {
				d.logger.Warn("batch directory reload failed, keeping previous batches", zap.Error(err))
			}
		}
	}
}
