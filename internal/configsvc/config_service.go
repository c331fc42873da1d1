// Package configsvc loads YAML configuration files and notifies clients when they change on disk.
package configsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"go.uber.org/zap"
)

type subscriber func(event fsnotify.Event)

var defaultOptions = options{
	debounce: 100 * time.Millisecond,
}

type options struct {
	debounce time.Duration
}

type Option func(*options)

// WithDebounce sets how long a file has to stay unchanged before its subscribers are notified.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		o.debounce = d
	}
}

type Service struct {
	log     *zap.Logger
	options options

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	subscribers []subscriber
	ready       chan struct{}
}

func New(log *zap.Logger, opts ...Option) *Service {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		log:     log,
		options: o,
		ready:   make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	s.watcher = watcher
	defer s.watcher.Close()
	close(s.ready)
	s.log.Info("Config service started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.mu.Lock()
			for _, sub := range s.subscribers {
				sub(event)
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("Watcher error", zap.Error(err))
		}
	}
}

// Ready is closed once Register can be called.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Register watches a configuration file and calls fn with the new configuration after every change.
// It returns the initial configuration and an error if the file cannot be read.
// Service instance is used as a parameter instead of the method receiver to enable generic types.
func Register[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("failed to get absolute path for %s: %w", path, err)
	}
	config, err := readConfig(absPath, def)
	if err != nil {
		return def, fmt.Errorf("failed to read config: %w", err)
	}

	err = s.watcher.Add(filepath.Dir(absPath))
	if err != nil {
		return def, fmt.Errorf("failed to add path to watcher %s: %w", path, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		newConfig, err := readConfig(absPath, def)
		if err != nil {
			s.log.Warn("Failed to reload config", zap.String("path", absPath), zap.Error(err))
		} else {
			s.log.Info("Config reloaded", zap.String("path", absPath))
		}
		fn(newConfig, err)
	}

	s.mu.Lock()
	s.subscribers = append(s.subscribers, func(event fsnotify.Event) {
		if event.Name != absPath || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
			return
		}
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.options.debounce, reload)
	})
	s.mu.Unlock()

	return config, nil
}

// Load reads a configuration file once. Fields missing from the file keep the values of def.
func Load[T any](path string, def T) (T, error) {
	config, err := readConfig(path, def)
	if err != nil {
		return def, fmt.Errorf("failed to read config: %w", err)
	}
	return config, nil
}

// Ensure reads a configuration file, writing def to it first if it does not exist yet.
func Ensure[T any](path string, def T) (T, error) {
	config, err := readConfig(path, def)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return def, fmt.Errorf("failed to create config directory: %w", err)
		}
		err = writeConfig(path, def)
		if err != nil {
			return def, fmt.Errorf("failed to initialize config: %w", err)
		}
		return def, nil
	case err != nil:
		return def, fmt.Errorf("failed to read config: %w", err)
	}
	return config, nil
}

func writeConfig[T any](path string, config T) error {
	jsonB, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	yamlB, err := yaml.JSONToYAML(jsonB)
	if err != nil {
		return fmt.Errorf("failed to convert json to yaml: %w", err)
	}

	err = os.WriteFile(path, yamlB, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func readConfig[T any](path string, def T) (T, error) {
	yamlB, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("failed to read config file: %w", err)
	}

	jsonB, err := yaml.YAMLToJSON(yamlB)
	if err != nil {
		return def, fmt.Errorf("failed to convert yaml to json: %w", err)
	}
	err = json.Unmarshal(jsonB, &def)
	if err != nil {
		return def, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return def, nil
}
