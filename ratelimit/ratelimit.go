// Package ratelimit implements sliding-window accounting of requests,
// tokens, and cost per subject (a client-id or a router pool name).
//
// Each (subject, kind) pair owns an ordered sequence of (timestamp, value)
// events behind its own lock; lookup of that per-pair state goes through a
// sync.Map so no single global lock serializes unrelated subjects. Cleanup
// of events older than the configured window happens inline on every
// access -- there is no background sweep.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"math"
	"path/filepath"
	"sync"
	"time"
)

// Kind is the scalar a limiter accounts for.
type Kind int

const (
	Requests Kind = iota
	InputTokens
	OutputTokens
	TotalTokens
	Cost
)

func (k Kind) String() string {
	switch k {
	case Requests:
		return "Requests"
	case InputTokens:
		return "InputTokens"
	case OutputTokens:
		return "OutputTokens"
	case TotalTokens:
		return "TotalTokens"
	case Cost:
		return "Cost"
	default:
		return "Unknown"
	}
}

// Config is one rate-limiter configuration: a limit kind, the maximum
// value allowed within the window, and the window length in seconds.
//
// A zero-valued WindowSeconds is manual-only: it never auto-expires
// events, and NeedsUpdate-style freshness checks built on top of it
// should always report false (see the boundary behavior this is grounded
// on in spec.md §8).
type Config struct {
	Kind          Kind
	Value         float64
	WindowSeconds int64
}

func (c Config) window() time.Duration {
	if c.WindowSeconds <= 0 {
		return 0
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// Usage carries the actual (or estimated) usage of one request.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

func (u Usage) TotalTokens() int64 { return u.InputTokens + u.OutputTokens }

func (u Usage) valueFor(kind Kind) float64 {
	switch kind {
	case Requests:
		return 1
	case InputTokens:
		return float64(u.InputTokens)
	case OutputTokens:
		return float64(u.OutputTokens)
	case TotalTokens:
		return float64(u.TotalTokens())
	case Cost:
		return u.CostUSD
	default:
		return 0
	}
}

// CheckResult is the outcome of a pre-request admission check.
type CheckResult struct {
	Allowed        bool
	RetryAfterSecs int64
	Current        float64
	Limit          float64
}

type event struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// state is the sliding window for one (subject, kind) pair.
type state struct {
	mu     sync.RWMutex
	events []event
}

func (s *state) cleanup(windowStart time.Time) {
	i := 0
	for i < len(s.events) && s.events[i].Timestamp.Before(windowStart) {
		i++
	}
	if i > 0 {
		s.events = s.events[i:]
	}
}

func (s *state) currentUsage(windowStart time.Time) float64 {
	var sum float64
	for _, e := range s.events {
		if !e.Timestamp.Before(windowStart) {
			sum += e.Value
		}
	}
	return sum
}

func (s *state) record(ts time.Time, value float64) {
	s.events = append(s.events, event{Timestamp: ts, Value: value})
}

// Engine is the Rate-Limit Engine (spec §2.C / §4.1): admission control
// and usage accounting for an open set of subjects, each with zero or more
// Configs per limit kind.
type Engine struct {
	configsMu sync.RWMutex
	configs   map[string][]Config // subject -> configs

	states sync.Map // key string -> *state

	persistPath string
	logger      *slog.Logger

	stopPersist chan struct{}
	persistWG   sync.WaitGroup
}

// NewEngine creates an Engine. persistPath may be empty to disable
// persistence entirely.
func NewEngine(persistPath string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		configs:     make(map[string][]Config),
		persistPath: persistPath,
		logger:      logger,
	}
}

// SetConfigs replaces the rate-limit configurations for a subject.
func (e *Engine) SetConfigs(subject string, configs []Config) {
	e.configsMu.Lock()
	defer e.configsMu.Unlock()
	e.configs[subject] = configs
}

// RemoveConfigs removes all rate-limit configurations for a subject.
func (e *Engine) RemoveConfigs(subject string) {
	e.configsMu.Lock()
	defer e.configsMu.Unlock()
	delete(e.configs, subject)
}

func (e *Engine) configsFor(subject string) []Config {
	e.configsMu.RLock()
	defer e.configsMu.RUnlock()
	return e.configs[subject]
}

func stateKey(subject string, kind Kind) string {
	return fmt.Sprintf("%s:%s", subject, kind)
}

func (e *Engine) stateFor(key string) *state {
	if v, ok := e.states.Load(key); ok {
		return v.(*state)
	}
	v, _ := e.states.LoadOrStore(key, &state{})
	return v.(*state)
}

func (e *Engine) checkOne(cfg Config, subject string) CheckResult {
	now := time.Now()
	var windowStart time.Time
	if cfg.WindowSeconds > 0 {
		windowStart = now.Add(-cfg.window())
	}

	st := e.stateFor(stateKey(subject, cfg.Kind))
	st.mu.Lock()
	defer st.mu.Unlock()

	if cfg.WindowSeconds > 0 {
		st.cleanup(windowStart)
	}
	current := st.currentUsage(windowStart)
	allowed := current < cfg.Value

	result := CheckResult{Allowed: allowed, Current: current, Limit: cfg.Value}
	if !allowed {
		if len(st.events) > 0 {
			retryAfter := st.events[0].Timestamp.Add(cfg.window()).Sub(now)
			secs := int64(retryAfter.Seconds())
			if secs < 0 {
				secs = 0
			}
			result.RetryAfterSecs = secs
		}
	}
	return result
}

// Check evaluates pre-request admission for subject. Only Requests-kind
// limiters can be evaluated before the call completes; token and cost
// limiters always report allowed here and are enforced post-hoc via
// Record (matching the original engine's "we skip those here" behavior).
func (e *Engine) Check(ctx context.Context, subject string) CheckResult {
	for _, cfg := range e.configsFor(subject) {
		if cfg.Kind != Requests {
			continue
		}
		if result := e.checkOne(cfg, subject); !result.Allowed {
			return result
		}
	}
	return CheckResult{Allowed: true, Limit: math.MaxFloat64}
}

// Record appends a usage event to every configured limiter for subject.
// It returns nothing and logs nothing; a subject with no configured
// limiters is a no-op.
func (e *Engine) Record(ctx context.Context, subject string, usage Usage) {
	now := time.Now()
	for _, cfg := range e.configsFor(subject) {
		st := e.stateFor(stateKey(subject, cfg.Kind))
		st.mu.Lock()
		st.record(now, usage.valueFor(cfg.Kind))
		st.mu.Unlock()
	}
}

// Snapshot reports current usage for (subject, kind) for observability.
func (e *Engine) Snapshot(subject string, kind Kind) (current, limit float64, windowStart time.Time, ok bool) {
	var cfg *Config
	for _, c := range e.configsFor(subject) {
		if c.Kind == kind {
			cc := c
			cfg = &cc
			break
		}
	}
	if cfg == nil {
		return 0, 0, time.Time{}, false
	}

	now := time.Now()
	var ws time.Time
	if cfg.WindowSeconds > 0 {
		ws = now.Add(-cfg.window())
	}

	st := e.stateFor(stateKey(subject, kind))
	st.mu.Lock()
	defer st.mu.Unlock()
	if cfg.WindowSeconds > 0 {
		st.cleanup(ws)
	}
	return st.currentUsage(ws), cfg.Value, ws, true
}

// ---------------------------------------------------------- persistence --

type persistedEntry struct {
	Key    string  `json:"key"`
	Events []event `json:"events"`
}

// LoadState best-effort loads persisted state from disk. Corruption or a
// missing file is logged and discarded, never returned as an error -- the
// cost of starting with empty accounting is lower than refusing to start.
func (e *Engine) LoadState(ctx context.Context) {
	if e.persistPath == "" {
		return
	}
	data, err := os.ReadFile(e.persistPath)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("rate limit state file unreadable", "path", e.persistPath, "error", err)
		}
		return
	}
	var entries []persistedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		e.logger.Warn("rate limit state file corrupt, discarding", "path", e.persistPath, "error", err)
		return
	}
	for _, ent := range entries {
		e.states.Store(ent.Key, &state{events: ent.Events})
	}
	e.logger.Debug("loaded rate limit state", "path", e.persistPath, "subjects", len(entries))
}

// PersistState writes the full engine state to disk as a single JSON blob.
func (e *Engine) PersistState(ctx context.Context) error {
	if e.persistPath == "" {
		return nil
	}
	var entries []persistedEntry
	e.states.Range(func(k, v interface{}) bool {
		st := v.(*state)
		st.mu.RLock()
		evCopy := make([]event, len(st.events))
		copy(evCopy, st.events)
		st.mu.RUnlock()
		entries = append(entries, persistedEntry{Key: k.(string), Events: evCopy})
		return true
	})

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rate limit state: %w", err)
	}
	if dir := filepath.Dir(e.persistPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create rate limit state dir: %w", err)
		}
	}
	if err := os.WriteFile(e.persistPath, data, 0o600); err != nil {
		return fmt.Errorf("write rate limit state: %w", err)
	}
	return nil
}

// StartPersistenceTask launches a background ticker that calls
// PersistState at the given interval until ctx is cancelled.
func (e *Engine) StartPersistenceTask(ctx context.Context, interval time.Duration) {
	if e.persistPath == "" || interval <= 0 {
		return
	}
	e.persistWG.Add(1)
	go func() {
		defer e.persistWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.PersistState(ctx); err != nil {
					e.logger.Error("failed to persist rate limit state", "error", err)
				}
			}
		}
	}()
}

// Wait blocks until any background persistence goroutine started by
// StartPersistenceTask has exited (its context was cancelled).
func (e *Engine) Wait() { e.persistWG.Wait() }
