package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/dataport/pkg/observability"
	"github.com/Mindburn-Labs/dataport/pkg/router"
)

// Record is a cached item with a stable identifier.
type Record interface {
	RecordID() string
}

// Outcome is the result of one merge.
type Outcome string

const (
	Merged   Outcome = "merged"
	NoView   Outcome = "no_view"
	NoEntry  Outcome = "no_entry"
	Filtered Outcome = "filtered"
	Rejected Outcome = "rejected"
)

// View is the collection a consumer currently shows for a resource.
type View struct {
	Key    Key
	Filter Filter
}

// Views tracks the active view of every resource.
type Views struct {
	mu sync.RWMutex
	m  map[string]View
}

// NewViews creates an empty view table.
func NewViews() *Views {
	return &Views{m: make(map[string]View)}
}

// Set makes view the active view of its resource.
func (v *Views) Set(view View) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[view.Key.Resource] = view
}

// Get returns the active view of resource.
func (v *Views) Get(resource string) (View, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	view, ok := v.m[resource]
	return view, ok
}

// Clear forgets the active view of resource.
func (v *Views) Clear(resource string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.m, resource)
}

// UpsertHead returns items with rec at the head, any other item with the
// same id removed, truncated to limit. items is not modified. A limit of
// zero or less means no truncation.
func UpsertHead[T Record](items []T, rec T, limit int) []T {
	n := len(items) + 1
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]T, 0, n)
	out = append(out, rec)
	id := rec.RecordID()
	for _, it := range items {
		if limit > 0 && len(out) >= limit {
			break
		}
		if it.RecordID() == id {
			continue
		}
		out = append(out, it)
	}
	return out
}

// MergeOption configures a merger.
type MergeOption func(*mergeOptions)

type mergeOptions struct {
	pageSize int
	logger   *slog.Logger
	recorder observability.Recorder
}

// WithPageSize sets the truncation bound used when neither the cached page
// nor the view key has one.
func WithPageSize(n int) MergeOption {
	return func(o *mergeOptions) { o.pageSize = n }
}

// WithMergeLogger sets the logger.
func WithMergeLogger(l *slog.Logger) MergeOption {
	return func(o *mergeOptions) { o.logger = l }
}

// WithMergeRecorder sets the metrics recorder.
func WithMergeRecorder(r observability.Recorder) MergeOption {
	return func(o *mergeOptions) { o.recorder = r }
}

func newMergeOptions(opts []MergeOption) mergeOptions {
	o := mergeOptions{
		pageSize: DefaultPageSize,
		logger:   slog.Default().With("component", "cache.merge"),
		recorder: observability.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Merger upserts pushed records into the page of the active view. It never
// creates an entry and never fetches.
type Merger[T Record] struct {
	cache    *QueryCache
	views    *Views
	resource string
	opts     mergeOptions
}

// NewMerger creates a merger for resource.
func NewMerger[T Record](c *QueryCache, views *Views, resource string, opts ...MergeOption) *Merger[T] {
	return &Merger[T]{cache: c, views: views, resource: resource, opts: newMergeOptions(opts)}
}

// Merge applies a validated event.
func (m *Merger[T]) Merge(ev router.Event) Outcome {
	var rec T
	if err := ev.Decode(&rec); err != nil {
		m.opts.logger.Error("merge: decode record", "resource", m.resource, "error", err)
		return m.done(Rejected)
	}
	var fields map[string]any
	if err := json.Unmarshal(ev.Payload, &fields); err != nil {
		m.opts.logger.Error("merge: decode fields", "resource", m.resource, "error", err)
		return m.done(Rejected)
	}
	return m.MergeRecord(rec, fields)
}

// MergeRecord applies rec, whose JSON object is fields.
func (m *Merger[T]) MergeRecord(rec T, fields map[string]any) Outcome {
	view, ok := m.views.Get(m.resource)
	if !ok {
		return m.done(NoView)
	}
	if _, ok := m.cache.Get(view.Key); !ok {
		return m.done(NoEntry)
	}
	if view.Filter != nil {
		match, err := view.Filter.Match(fields)
		if err != nil {
			m.opts.logger.Debug("merge: filter error, treating as no match",
				"resource", m.resource, "id", rec.RecordID(), "error", err)
		}
		if !match {
			return m.done(Filtered)
		}
	}

	updated := m.cache.Update(view.Key, func(v any) (any, bool) {
		page, ok := v.(Page[T])
		if !ok {
			return nil, false
		}
		// The fetched page knows its own size; the key and option are fallbacks.
		limit := page.PageSize
		if limit <= 0 {
			limit = view.Key.PageSize(m.opts.pageSize)
		}
		page.Items = UpsertHead(page.Items, rec, limit)
		return page, true
	})
	if !updated {
		return m.done(NoEntry)
	}
	return m.done(Merged)
}

func (m *Merger[T]) done(o Outcome) Outcome {
	m.opts.recorder.CacheMerged(context.Background(), m.resource, string(o))
	return o
}

// Handler adapts the merger to a router handler.
func (m *Merger[T]) Handler() router.Handler {
	return func(ev router.Event) error {
		if m.Merge(ev) == Rejected {
			return fmt.Errorf("merge %s: record rejected", m.resource)
		}
		return nil
	}
}

// ReplaceMerger overwrites a single-value entry, such as the latest
// compliance state or the task list, when it exists.
type ReplaceMerger[T any] struct {
	cache *QueryCache
	key   Key
	opts  mergeOptions
}

// NewReplaceMerger creates a merger for the entry under key.
func NewReplaceMerger[T any](c *QueryCache, key Key, opts ...MergeOption) *ReplaceMerger[T] {
	return &ReplaceMerger[T]{cache: c, key: key, opts: newMergeOptions(opts)}
}

// NewListMerger creates a merger that replaces a whole list entry.
func NewListMerger[T any](c *QueryCache, key Key, opts ...MergeOption) *ReplaceMerger[[]T] {
	return NewReplaceMerger[[]T](c, key, opts...)
}

// Merge applies a validated event.
func (m *ReplaceMerger[T]) Merge(ev router.Event) Outcome {
	var v T
	if err := ev.Decode(&v); err != nil {
		m.opts.logger.Error("merge: decode value", "resource", m.key.Resource, "error", err)
		return m.done(Rejected)
	}
	return m.MergeValue(v)
}

// MergeValue replaces the entry with v.
func (m *ReplaceMerger[T]) MergeValue(v T) Outcome {
	updated := m.cache.Update(m.key, func(old any) (any, bool) {
		if _, ok := old.(T); !ok {
			return nil, false
		}
		return v, true
	})
	if !updated {
		return m.done(NoEntry)
	}
	return m.done(Merged)
}

func (m *ReplaceMerger[T]) done(o Outcome) Outcome {
	m.opts.recorder.CacheMerged(context.Background(), m.key.Resource, string(o))
	return o
}

// Handler adapts the merger to a router handler.
func (m *ReplaceMerger[T]) Handler() router.Handler {
	return func(ev router.Event) error {
		if m.Merge(ev) == Rejected {
			return fmt.Errorf("merge %s: value rejected", m.key.Resource)
		}
		return nil
	}
}
