package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	_ "time/tzdata"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Tuning holds the settings an operator may change while runs are in flight.
// Runs read it once per round through Store.Current.
type Tuning struct {
	RetryIntervalMs           int `yaml:"retry_interval_ms"`
	AggressiveRetryIntervalMs int `yaml:"aggressive_retry_interval_ms"`
	AggressiveAfterFailures   int `yaml:"aggressive_after_failures"`
	LockedRetryIntervalMs     int `yaml:"locked_retry_interval_ms"`
	LockedMaxSeconds          int `yaml:"locked_max_seconds"`
	OpenRetrySeconds          int `yaml:"open_retry_seconds"`
	PendingRecheckMs          int `yaml:"pending_recheck_ms"`
	PendingRechecks           int `yaml:"pending_rechecks"`

	InitialBatchSize  int `yaml:"initial_batch_size"`
	DegradedBatchSize int `yaml:"degraded_batch_size"`
	MaxSplitRounds    int `yaml:"max_split_rounds"`
	TransientRetries  int `yaml:"transient_retries"`
	BackoffBaseMs     int `yaml:"backoff_base_ms"`
	BackoffMaxMs      int `yaml:"backoff_max_ms"`
	InterBatchDelayMs int `yaml:"inter_batch_delay_ms"`
	RefillWindowMs    int `yaml:"refill_window_ms"`

	HoldingsJoinTimeoutMs  int `yaml:"holdings_join_timeout_ms"`
	FailureCooldownSeconds int `yaml:"failure_cooldown_seconds"`

	StageContinuousSeconds int `yaml:"stage_continuous_seconds"`
	StageRandomSeconds     int `yaml:"stage_random_seconds"`
	RefillIntervalSeconds  int `yaml:"refill_interval_seconds"`
	StuckRounds            int `yaml:"stuck_rounds"`

	PreselectTTLMs                 int  `yaml:"preselect_ttl_ms"`
	PreselectInvalidateAfterSubmit bool `yaml:"preselect_invalidate_after_submit"`

	AvailableCodes []int `yaml:"available_codes"`
	LockedCodes    []int `yaml:"locked_codes"`

	Timezone      string `yaml:"timezone"`
	MaxRunMinutes int    `yaml:"max_run_minutes"`
}

func DefaultTuning() Tuning {
	return Tuning{
		RetryIntervalMs:                1000,
		AggressiveRetryIntervalMs:      300,
		AggressiveAfterFailures:        1,
		LockedRetryIntervalMs:          1000,
		LockedMaxSeconds:               60,
		OpenRetrySeconds:               30,
		PendingRecheckMs:               300,
		PendingRechecks:                1,
		InitialBatchSize:               3,
		DegradedBatchSize:              1,
		MaxSplitRounds:                 2,
		TransientRetries:               3,
		BackoffBaseMs:                  200,
		BackoffMaxMs:                   2000,
		InterBatchDelayMs:              500,
		RefillWindowMs:                 1500,
		HoldingsJoinTimeoutMs:          800,
		FailureCooldownSeconds:         20,
		StageContinuousSeconds:         20,
		StageRandomSeconds:             60,
		RefillIntervalSeconds:          10,
		StuckRounds:                    3,
		PreselectTTLMs:                 3000,
		PreselectInvalidateAfterSubmit: true,
		AvailableCodes:                 []int{1},
		LockedCodes:                    []int{6},
		Timezone:                       "Asia/Shanghai",
		MaxRunMinutes:                  30,
	}
}

func (t Tuning) Validate() error {
	if t.InitialBatchSize < 1 {
		return fmt.Errorf("initial_batch_size must be >= 1")
	}
	if t.DegradedBatchSize < 1 || t.DegradedBatchSize > t.InitialBatchSize {
		return fmt.Errorf("degraded_batch_size must be between 1 and initial_batch_size")
	}
	if t.RetryIntervalMs < 1 || t.LockedRetryIntervalMs < 1 {
		return fmt.Errorf("retry intervals must be positive")
	}
	if len(t.AvailableCodes) == 0 {
		return fmt.Errorf("available_codes required")
	}
	for _, a := range t.AvailableCodes {
		for _, l := range t.LockedCodes {
			if a == l {
				return fmt.Errorf("code %d is both available and locked", a)
			}
		}
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	return nil
}

func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

func (t Tuning) RetryInterval() time.Duration           { return ms(t.RetryIntervalMs) }
func (t Tuning) AggressiveRetryInterval() time.Duration { return ms(t.AggressiveRetryIntervalMs) }
func (t Tuning) LockedRetryInterval() time.Duration     { return ms(t.LockedRetryIntervalMs) }
func (t Tuning) LockedMax() time.Duration               { return sec(t.LockedMaxSeconds) }
func (t Tuning) OpenRetry() time.Duration               { return sec(t.OpenRetrySeconds) }
func (t Tuning) PendingRecheck() time.Duration          { return ms(t.PendingRecheckMs) }
func (t Tuning) BackoffBase() time.Duration             { return ms(t.BackoffBaseMs) }
func (t Tuning) BackoffMax() time.Duration              { return ms(t.BackoffMaxMs) }
func (t Tuning) InterBatchDelay() time.Duration         { return ms(t.InterBatchDelayMs) }
func (t Tuning) RefillWindow() time.Duration            { return ms(t.RefillWindowMs) }
func (t Tuning) HoldingsJoinTimeout() time.Duration     { return ms(t.HoldingsJoinTimeoutMs) }
func (t Tuning) FailureCooldown() time.Duration         { return sec(t.FailureCooldownSeconds) }
func (t Tuning) StageContinuous() time.Duration         { return sec(t.StageContinuousSeconds) }
func (t Tuning) StageRandom() time.Duration             { return sec(t.StageRandomSeconds) }
func (t Tuning) RefillInterval() time.Duration          { return sec(t.RefillIntervalSeconds) }
func (t Tuning) PreselectTTL() time.Duration            { return ms(t.PreselectTTLMs) }
func (t Tuning) MaxRun() time.Duration                  { return time.Duration(t.MaxRunMinutes) * time.Minute }

// Location falls back to UTC when the zone cannot be loaded.
func (t Tuning) Location() *time.Location {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseTuning overlays data on the defaults, so a file only needs the keys it changes.
func ParseTuning(data []byte) (Tuning, error) {
	t := DefaultTuning()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, fmt.Errorf("invalid tuning: %w", err)
	}
	return t, nil
}

func LoadTuning(path string) (Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning: %w", err)
	}
	return ParseTuning(data)
}

// Store serves the current Tuning and swaps it when the backing file changes.
type Store struct {
	path   string
	cur    atomic.Pointer[Tuning]
	logger *log.Logger
}

// NewStore loads path if set; an empty path serves the defaults forever.
func NewStore(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{path: path, logger: logger}
	t := DefaultTuning()
	if path != "" {
		var err error
		t, err = LoadTuning(path)
		if err != nil {
			return nil, err
		}
	}
	s.cur.Store(&t)
	return s, nil
}

// StaticStore wraps a fixed Tuning.
func StaticStore(t Tuning) *Store {
	s := &Store{logger: log.Default()}
	s.cur.Store(&t)
	return s
}

func (s *Store) Current() Tuning {
	return *s.cur.Load()
}

func (s *Store) Set(t Tuning) {
	s.cur.Store(&t)
}

// Reload re-reads the file. On error the previous tuning stays in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	t, err := LoadTuning(s.path)
	if err != nil {
		return err
	}
	s.cur.Store(&t)
	return nil
}

// Watch reloads on every write to the tuning file until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := s.Reload(); err != nil {
					s.logger.Printf("config: tuning reload failed, keeping previous: %v", err)
					continue
				}
				s.logger.Printf("config: tuning reloaded from %s", s.path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Printf("config: fsnotify error=%v", err)
		}
	}
}
