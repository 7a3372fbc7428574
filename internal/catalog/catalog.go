package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fastflow-labs/fastflow/internal/domain"
)

// StatsSource supplies run counters per pipeline.
type StatsSource interface {
	PipelineStats(ctx context.Context, pipelineName string) (domain.PipelineCounters, error)
}

type snapshot struct {
	pipelines map[string]domain.Pipeline
	loadedAt  time.Time
}

// Changes is the difference between two catalog snapshots.
type Changes struct {
	Added   []string
	Updated []string
	Removed []string
}

func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Catalog is the read-mostly set of known pipelines. Readers never block on a
// sync: the snapshot is replaced as a whole.
type Catalog struct {
	logger        *slog.Logger
	stats         StatsSource
	overridesPath string

	snap atomic.Pointer[snapshot]

	mu        sync.Mutex
	overrides map[string]bool
}

// New creates an empty catalog. Enable/disable overrides are persisted to
// overridesPath when it is non-empty.
func New(logger *slog.Logger, stats StatsSource, overridesPath string) (*Catalog, error) {
	c := &Catalog{
		logger:        logger,
		stats:         stats,
		overridesPath: overridesPath,
		overrides:     map[string]bool{},
	}
	c.snap.Store(&snapshot{pipelines: map[string]domain.Pipeline{}})
	if err := c.loadOverrides(); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace swaps in a new set of pipelines and returns what changed.
func (c *Catalog) Replace(pipelines map[string]domain.Pipeline) Changes {
	next := make(map[string]domain.Pipeline, len(pipelines))
	for name, p := range pipelines {
		next[name] = p
	}
	prev := c.snap.Swap(&snapshot{pipelines: next, loadedAt: time.Now().UTC()})
	return Diff(prev.pipelines, next)
}

// Snapshot returns a copy of the current pipeline definitions.
func (c *Catalog) Snapshot() map[string]domain.Pipeline {
	cur := c.snap.Load().pipelines
	out := make(map[string]domain.Pipeline, len(cur))
	for name, p := range cur {
		out[name] = p
	}
	return out
}

// Lookup returns a pipeline with its effective enabled flag and no counters.
func (c *Catalog) Lookup(name string) (domain.Pipeline, bool) {
	p, ok := c.snap.Load().pipelines[name]
	if !ok {
		return domain.Pipeline{}, false
	}
	return c.applyOverride(p), true
}

// Get returns a pipeline including run counters.
func (c *Catalog) Get(ctx context.Context, name string) (domain.Pipeline, error) {
	p, ok := c.Lookup(name)
	if !ok {
		return domain.Pipeline{}, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, name)
	}
	return c.withCounters(ctx, p), nil
}

// List returns all pipelines sorted by name.
func (c *Catalog) List(ctx context.Context) []domain.Pipeline {
	cur := c.snap.Load().pipelines
	out := make([]domain.Pipeline, 0, len(cur))
	for _, p := range cur {
		out = append(out, c.withCounters(ctx, c.applyOverride(p)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Names() []string {
	cur := c.snap.Load().pipelines
	out := make([]string, 0, len(cur))
	for name := range cur {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SetEnabled overrides the enabled flag of a pipeline. The override survives
// syncs and restarts.
func (c *Catalog) SetEnabled(name string, enabled bool) (domain.Pipeline, error) {
	p, ok := c.snap.Load().pipelines[name]
	if !ok {
		return domain.Pipeline{}, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, name)
	}

	c.mu.Lock()
	prev, had := c.overrides[name]
	c.overrides[name] = enabled
	if err := c.saveOverridesLocked(); err != nil {
		if had {
			c.overrides[name] = prev
		} else {
			delete(c.overrides, name)
		}
		c.mu.Unlock()
		return domain.Pipeline{}, err
	}
	c.mu.Unlock()

	return c.applyOverride(p), nil
}

func (c *Catalog) applyOverride(p domain.Pipeline) domain.Pipeline {
	c.mu.Lock()
	enabled, ok := c.overrides[p.Name]
	c.mu.Unlock()
	if ok {
		p.Enabled = enabled
	}
	return p
}

func (c *Catalog) withCounters(ctx context.Context, p domain.Pipeline) domain.Pipeline {
	if c.stats == nil {
		return p
	}
	counters, err := c.stats.PipelineStats(ctx, p.Name)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("pipeline stats failed", "pipeline", p.Name, "error", err)
		}
		return p
	}
	p.Counters = counters
	return p
}

func (c *Catalog) loadOverrides() error {
	if c.overridesPath == "" {
		return nil
	}
	blob, err := os.ReadFile(c.overridesPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read pipeline overrides: %w", err)
	}
	if err := json.Unmarshal(blob, &c.overrides); err != nil {
		return fmt.Errorf("decode pipeline overrides: %w", err)
	}
	return nil
}

func (c *Catalog) saveOverridesLocked() error {
	if c.overridesPath == "" {
		return nil
	}
	blob, err := json.MarshalIndent(c.overrides, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pipeline overrides: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.overridesPath), 0o755); err != nil {
		return fmt.Errorf("create overrides dir: %w", err)
	}
	tmp := c.overridesPath + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write pipeline overrides: %w", err)
	}
	return os.Rename(tmp, c.overridesPath)
}

// Diff compares two pipeline sets by checksum.
func Diff(prev, next map[string]domain.Pipeline) Changes {
	var ch Changes
	for name, p := range next {
		old, ok := prev[name]
		switch {
		case !ok:
			ch.Added = append(ch.Added, name)
		case old.Checksum != p.Checksum:
			ch.Updated = append(ch.Updated, name)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			ch.Removed = append(ch.Removed, name)
		}
	}
	sort.Strings(ch.Added)
	sort.Strings(ch.Updated)
	sort.Strings(ch.Removed)
	return ch
}
