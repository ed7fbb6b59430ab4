// Package config loads the static instrument/layout configuration (spec
// §4.4, §6 "config" table) from YAML and watches it for changes, so an
// operator can edit instrument addresses or substrate layouts without
// restarting the orchestrator between jobs: a checksum-gated fsnotify
// watcher emitting a change channel for a single typed StaticConfig
// document.
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"solarctl/engine/models"
)

// StaticConfig is the on-disk shape of the instrument/layout document (spec
// §6 "config" table), decoded directly into models.JobConfig's component
// types so engine/bus's per-request decoder and this loader share one
// vocabulary.
type StaticConfig struct {
	SMU           models.SMUConfig              `yaml:"smu"`
	Solarsim      models.SolarsimConfig         `yaml:"solarsim"`
	Stage         models.StageConfig            `yaml:"stage"`
	Substrates    models.SubstratesConfig       `yaml:"substrates"`
	Controller    models.ControllerConfig       `yaml:"controller"`
	Monochromator models.InstrumentAddressConfig `yaml:"monochromator"`
	LIA           models.InstrumentAddressConfig `yaml:"lia"`
	PSU           models.PSUConfig              `yaml:"psu"`
	CCD           models.CCDConfig              `yaml:"ccd"`
}

// ToJobConfig adapts the static document into the JobConfig shape consumed
// by engine/instruments at connect time. The engine builds its instrument
// set and job config from this document alone; a request's own "config"
// payload (spec §6) is decoded and validated but not merged into it.
func (c StaticConfig) ToJobConfig() models.JobConfig {
	return models.JobConfig{
		SMU: c.SMU, Solarsim: c.Solarsim, Stage: c.Stage, Substrates: c.Substrates,
		Controller: c.Controller, Monochromator: c.Monochromator, LIA: c.LIA,
		PSU: c.PSU, CCD: c.CCD,
	}
}

// Change is delivered on the loader's channel whenever the on-disk document
// changes content (not merely mtime — a checksum gate suppresses
// editor-save-without-change noise).
type Change struct {
	Config   StaticConfig
	Checksum string
}

// Loader owns the fsnotify watcher and the last-seen checksum.
type Loader struct {
	path string

	mu       sync.Mutex
	checksum string
}

// NewLoader builds a loader for the document at path. It does not read the
// file until Load or Watch is called.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads and parses the document once, without starting a watch.
func (l *Loader) Load() (StaticConfig, error) {
	cfg, _, err := l.readAndChecksum()
	return cfg, err
}

func (l *Loader) readAndChecksum() (StaticConfig, string, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return StaticConfig{}, "", models.ConfigError("config.load", "read %s: %w", l.path, err)
	}
	var cfg StaticConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return StaticConfig{}, "", models.ConfigError("config.load", "parse %s: %w", l.path, err)
	}
	sum := sha256.Sum256(raw)
	return cfg, hex.EncodeToString(sum[:]), nil
}

// Watch starts an fsnotify watch on the document's directory (watching the
// directory, not the file, survives editors that replace-on-save via
// rename) and emits a Change each time the checksum differs from the
// last-seen value.
// It emits one initial Change synchronously before returning so callers
// always start from a known document. The returned channels are closed
// when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) (<-chan Change, <-chan error, error) {
	cfg, sum, err := l.readAndChecksum()
	if err != nil {
		return nil, nil, err
	}
	l.mu.Lock()
	l.checksum = sum
	l.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, models.ConfigError("config.watch", "create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return nil, nil, models.ConfigError("config.watch", "watch dir: %w", err)
	}

	changes := make(chan Change, 1)
	errs := make(chan error, 1)
	changes <- Change{Config: cfg, Checksum: sum}

	go func() {
		defer watcher.Close()
		defer close(changes)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				l.emitIfChanged(changes, errs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return changes, errs, nil
}

func (l *Loader) emitIfChanged(changes chan<- Change, errs chan<- error) {
	cfg, sum, err := l.readAndChecksum()
	if err != nil {
		errs <- err
		return
	}
	l.mu.Lock()
	unchanged := sum == l.checksum
	l.checksum = sum
	l.mu.Unlock()
	if unchanged {
		return
	}
	changes <- Change{Config: cfg, Checksum: sum}
}
