package spec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/debug"
	"github.com/rhuss/drivercore/pkg/storage"
)

// Options configures a CachingProvider.
type Options struct {
	// DriverID tags artifacts and errors.
	DriverID string

	// Target is the reference the model should put in "target"
	// (the driver prefix when set, otherwise the id).
	Target string

	// Format is the artifact format (e.g., "openapi+json").
	Format string

	// Version is the driver version. Persisted artifacts generated for a
	// different version are ignored.
	Version string

	// TargetLLMs lists the models the driver is tuned for. Other hints are
	// still served.
	TargetLLMs []string

	// Source produces artifact content. Required.
	Source Source

	// Store persists artifacts across restarts. Optional.
	Store storage.ArtifactStore

	// Templates maps model hints or families to system message templates.
	Templates map[string]string

	// TTL expires cached artifacts. Zero keeps them until Invalidate.
	TTL time.Duration
}

type cacheEntry struct {
	artifact  *Artifact
	expiresAt time.Time
}

// CachingProvider is a Provider that caches artifacts per normalized model
// hint. Concurrent misses for the same hint share one fetch. Invalidate
// discards cached and persisted artifacts; fetches that started before an
// invalidation are returned to their callers but never cached.
type CachingProvider struct {
	opts      Options
	templates *Templates
	group     singleflight.Group
	nowFunc   func() time.Time

	mu         sync.RWMutex
	cache      map[string]cacheEntry
	generation uint64

	// persistMu orders store writes against the delete in Invalidate.
	persistMu sync.Mutex
}

var _ Provider = (*CachingProvider)(nil)

// NewCachingProvider validates opts and compiles templates.
func NewCachingProvider(opts Options) (*CachingProvider, error) {
	if opts.Source == nil {
		return nil, api.NewError(api.KindInvalidConfig, opts.DriverID, "spec source is required")
	}
	if opts.Target == "" {
		opts.Target = opts.DriverID
	}
	templates, err := ParseTemplates(opts.Templates)
	if err != nil {
		return nil, api.Wrap(api.KindInvalidConfig, opts.DriverID, err, "invalid system message template")
	}
	return &CachingProvider{
		opts:      opts,
		templates: templates,
		nowFunc:   time.Now,
		cache:     make(map[string]cacheEntry),
	}, nil
}

// Describe returns the cached artifact for the hint or generates it.
func (p *CachingProvider) Describe(ctx context.Context, modelHint string) (*Artifact, error) {
	hint := NormalizeHint(modelHint)
	if !MatchesHint(p.opts.TargetLLMs, hint) {
		debug.Log("spec", "model hint outside target models",
			"driver", p.opts.DriverID,
			"hint", hint,
			"targets", p.opts.TargetLLMs,
		)
	}

	p.mu.RLock()
	e, ok := p.cache[hint]
	gen := p.generation
	p.mu.RUnlock()
	if ok && (e.expiresAt.IsZero() || p.nowFunc().Before(e.expiresAt)) {
		return e.artifact, nil
	}

	// The generation is part of the key so callers arriving after an
	// invalidation never join a fetch that started before it.
	key := hint + "\x00" + strconv.FormatUint(gen, 10)
	ch := p.group.DoChan(key, func() (any, error) {
		return p.fill(context.WithoutCancel(ctx), hint, gen)
	})

	select {
	case <-ctx.Done():
		return nil, api.Wrap(api.KindSpecUnavailable, p.opts.DriverID, ctx.Err(), "describe cancelled")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Artifact), nil
	}
}

// fill loads the artifact from the store or the source and caches it when
// no invalidation happened in between.
func (p *CachingProvider) fill(ctx context.Context, hint string, gen uint64) (*Artifact, error) {
	if art := p.loadPersisted(ctx, hint); art != nil {
		p.remember(hint, gen, art)
		return art, nil
	}

	content, err := p.opts.Source.Fetch(ctx, hint)
	if err != nil {
		return nil, api.Wrap(api.KindSpecUnavailable, p.opts.DriverID, err, "spec source failed")
	}
	if len(content) == 0 {
		return nil, api.NewError(api.KindSpecUnavailable, p.opts.DriverID, "spec source returned empty content")
	}

	art := &Artifact{
		DriverID:    p.opts.DriverID,
		Format:      p.opts.Format,
		ModelHint:   hint,
		Version:     p.opts.Version,
		Content:     content,
		GeneratedAt: p.nowFunc(),
	}

	p.rememberAndPersist(ctx, hint, gen, art)

	debug.Log("spec", "artifact generated",
		"driver", p.opts.DriverID,
		"hint", hint,
		"bytes", len(content),
	)
	return art, nil
}

func (p *CachingProvider) loadPersisted(ctx context.Context, hint string) *Artifact {
	if p.opts.Store == nil {
		return nil
	}
	rec, err := p.opts.Store.Get(ctx, p.opts.DriverID, hint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("loading persisted spec artifact failed",
				"driver", p.opts.DriverID,
				"hint", hint,
				"error", err,
			)
		}
		return nil
	}
	if rec.Version != p.opts.Version || len(rec.Content) == 0 {
		debug.Log("spec", "ignoring stale persisted artifact",
			"driver", p.opts.DriverID,
			"stored_version", rec.Version,
			"version", p.opts.Version,
		)
		return nil
	}
	return &Artifact{
		DriverID:    p.opts.DriverID,
		Format:      rec.Format,
		ModelHint:   hint,
		Version:     rec.Version,
		Content:     rec.Content,
		GeneratedAt: rec.CreatedAt,
	}
}

// rememberAndPersist caches art and writes it to the store unless the cache
// was invalidated since gen. An Invalidate that starts while the write is
// running deletes the record only after the write finished.
func (p *CachingProvider) rememberAndPersist(ctx context.Context, hint string, gen uint64, art *Artifact) {
	if p.opts.Store == nil {
		p.remember(hint, gen, art)
		return
	}

	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	if !p.remember(hint, gen, art) {
		return
	}
	err := p.opts.Store.Put(ctx, &storage.Record{
		DriverID:  art.DriverID,
		ModelHint: hint,
		Format:    art.Format,
		Version:   art.Version,
		Content:   art.Content,
		CreatedAt: art.GeneratedAt,
	})
	if err != nil {
		slog.Warn("persisting spec artifact failed",
			"driver", p.opts.DriverID,
			"hint", hint,
			"error", err,
		)
	}
}

// remember caches art unless the cache was invalidated since gen. It
// reports whether the artifact was cached.
func (p *CachingProvider) remember(hint string, gen uint64, art *Artifact) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen {
		return false
	}
	e := cacheEntry{artifact: art}
	if p.opts.TTL > 0 {
		e.expiresAt = p.nowFunc().Add(p.opts.TTL)
	}
	p.cache[hint] = e
	return true
}

// Invalidate drops all cached artifacts and deletes persisted ones.
func (p *CachingProvider) Invalidate(ctx context.Context) error {
	p.mu.Lock()
	p.generation++
	p.cache = make(map[string]cacheEntry)
	p.mu.Unlock()

	debug.Log("spec", "cache invalidated", "driver", p.opts.DriverID)

	if p.opts.Store == nil {
		return nil
	}
	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	if _, err := p.opts.Store.DeleteDriver(ctx, p.opts.DriverID); err != nil {
		return fmt.Errorf("deleting persisted artifacts for %q: %w", p.opts.DriverID, err)
	}
	return nil
}

// SystemMessage renders the template selected for the hint around the
// artifact.
func (p *CachingProvider) SystemMessage(ctx context.Context, modelHint string) (string, error) {
	art, err := p.Describe(ctx, modelHint)
	if err != nil {
		return "", err
	}
	msg, err := p.templates.Render(MessageData{
		DriverID:  p.opts.DriverID,
		Target:    p.opts.Target,
		Format:    art.Format,
		ModelHint: art.ModelHint,
		Version:   art.Version,
		Spec:      string(art.Content),
	})
	if err != nil {
		return "", api.Wrap(api.KindSpecUnavailable, p.opts.DriverID, err, "system message template failed")
	}
	return msg, nil
}

// Cached returns the normalized hints currently cached.
func (p *CachingProvider) Cached() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hints := make([]string, 0, len(p.cache))
	for h := range p.cache {
		hints = append(hints, h)
	}
	return hints
}
