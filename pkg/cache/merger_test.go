package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataport/pkg/observability"
	"github.com/Mindburn-Labs/dataport/pkg/router"
)

type testRecord struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
}

func (r testRecord) RecordID() string { return r.ID }

func ids(items []testRecord) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func recordEvent(t *testing.T, rec testRecord) router.Event {
	t.Helper()
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	return router.Event{Topic: "incidents", Name: "message", Payload: raw}
}

type outcomeRecorder struct {
	observability.Recorder
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) CacheMerged(_ context.Context, _, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func seed(t *testing.T, params map[string]string, items ...string) (*QueryCache, *Views, Key) {
	t.Helper()
	c := New()
	views := NewViews()
	k := NewKey("incidents", params)
	page := Page[testRecord]{Total: len(items), Page: 1, PageSize: k.PageSize(DefaultPageSize)}
	for _, id := range items {
		page.Items = append(page.Items, testRecord{ID: id, Severity: "high"})
	}
	c.Put(k, page)
	return c, views, k
}

func TestMerger_InsertsAtHeadAndTruncates(t *testing.T) {
	c, views, k := seed(t, map[string]string{"pageSize": "3"}, "A", "B", "C")
	views.Set(View{Key: k})
	m := NewMerger[testRecord](c, views, "incidents")

	assert.Equal(t, Merged, m.Merge(recordEvent(t, testRecord{ID: "D", Severity: "high"})))

	page, ok := GetAs[Page[testRecord]](c, k)
	require.True(t, ok)
	assert.Equal(t, []string{"D", "A", "B"}, ids(page.Items))
	assert.Equal(t, 3, page.Total, "total is left as fetched")
}

func TestMerger_TruncatesToFetchedPageSize(t *testing.T) {
	c := New()
	views := NewViews()
	k := NewKey("incidents", map[string]string{"status": "new"})
	c.Put(k, Page[testRecord]{
		Items:    []testRecord{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		Total:    9,
		Page:     1,
		PageSize: 3,
	})
	views.Set(View{Key: k})
	m := NewMerger[testRecord](c, views, "incidents", WithPageSize(50))

	assert.Equal(t, Merged, m.Merge(recordEvent(t, testRecord{ID: "D"})))

	page, _ := GetAs[Page[testRecord]](c, k)
	assert.Equal(t, []string{"D", "A", "B"}, ids(page.Items))
	assert.Equal(t, 3, page.PageSize)
}

func TestMerger_PageSizeFallsBackToKeyThenOption(t *testing.T) {
	c := New()
	views := NewViews()
	m := NewMerger[testRecord](c, views, "incidents", WithPageSize(2))

	keyed := NewKey("incidents", map[string]string{"pageSize": "1"})
	c.Put(keyed, Page[testRecord]{Items: []testRecord{{ID: "A"}}})
	views.Set(View{Key: keyed})
	m.Merge(recordEvent(t, testRecord{ID: "B"}))
	page, _ := GetAs[Page[testRecord]](c, keyed)
	assert.Equal(t, []string{"B"}, ids(page.Items))

	bare := NewKey("incidents", nil)
	c.Put(bare, Page[testRecord]{Items: []testRecord{{ID: "A"}, {ID: "B"}}})
	views.Set(View{Key: bare})
	m.Merge(recordEvent(t, testRecord{ID: "C"}))
	page, _ = GetAs[Page[testRecord]](c, bare)
	assert.Equal(t, []string{"C", "A"}, ids(page.Items))
}

func TestMerger_UpdatesExistingRecord(t *testing.T) {
	c, views, k := seed(t, nil, "A", "B", "C")
	views.Set(View{Key: k})
	m := NewMerger[testRecord](c, views, "incidents")

	assert.Equal(t, Merged, m.Merge(recordEvent(t, testRecord{ID: "B", Severity: "critical"})))

	page, _ := GetAs[Page[testRecord]](c, k)
	assert.Equal(t, []string{"B", "A", "C"}, ids(page.Items))
	assert.Equal(t, "critical", page.Items[0].Severity)
}

func TestMerger_FilteredRecordLeavesViewUnchanged(t *testing.T) {
	c, views, k := seed(t, map[string]string{"severity": "high"}, "A", "B")
	f, err := ParseFieldFilter(k.Filters, "")
	require.NoError(t, err)
	views.Set(View{Key: k, Filter: f})
	rec := &outcomeRecorder{Recorder: observability.Nop()}
	m := NewMerger[testRecord](c, views, "incidents", WithMergeRecorder(rec))

	assert.Equal(t, Filtered, m.Merge(recordEvent(t, testRecord{ID: "X", Severity: "low"})))

	page, _ := GetAs[Page[testRecord]](c, k)
	assert.Equal(t, []string{"A", "B"}, ids(page.Items))
	assert.Equal(t, []string{"filtered"}, rec.outcomes)
}

func TestMerger_NoViewOrNoEntryIsNoop(t *testing.T) {
	c := New()
	views := NewViews()
	m := NewMerger[testRecord](c, views, "incidents")

	assert.Equal(t, NoView, m.Merge(recordEvent(t, testRecord{ID: "A"})))

	k := NewKey("incidents", nil)
	views.Set(View{Key: k})
	assert.Equal(t, NoEntry, m.Merge(recordEvent(t, testRecord{ID: "A"})))
	_, ok := c.Get(k)
	assert.False(t, ok, "merge never creates an entry")

	views.Clear("incidents")
	_, ok = views.Get("incidents")
	assert.False(t, ok)
}

func TestMerger_OnlyActiveViewChanges(t *testing.T) {
	c, views, k1 := seed(t, map[string]string{"page": "1"}, "A", "B")
	k2 := NewKey("incidents", map[string]string{"page": "2"})
	c.Put(k2, Page[testRecord]{Items: []testRecord{{ID: "C"}}, Page: 2})
	views.Set(View{Key: k1})
	m := NewMerger[testRecord](c, views, "incidents")

	m.Merge(recordEvent(t, testRecord{ID: "D"}))

	other, _ := GetAs[Page[testRecord]](c, k2)
	assert.Equal(t, []string{"C"}, ids(other.Items))
}

func TestMerger_HandlerRejectsUndecodable(t *testing.T) {
	c, views, k := seed(t, nil, "A")
	views.Set(View{Key: k})
	m := NewMerger[testRecord](c, views, "incidents")

	err := m.Handler()(router.Event{Payload: json.RawMessage(`{"id": 5}`)})
	require.Error(t, err)
	require.NoError(t, m.Handler()(recordEvent(t, testRecord{ID: "B"})))
}

func TestReplaceMerger(t *testing.T) {
	c := New()
	k := NewKey("complianceState", nil)
	m := NewReplaceMerger[testRecord](c, k)
	ev := recordEvent(t, testRecord{ID: "S2"})

	assert.Equal(t, NoEntry, m.Merge(ev))
	_, ok := c.Get(k)
	assert.False(t, ok)

	c.Put(k, testRecord{ID: "S1"})
	assert.Equal(t, Merged, m.Merge(ev))
	got, _ := GetAs[testRecord](c, k)
	assert.Equal(t, "S2", got.ID)
}

func TestListMerger(t *testing.T) {
	c := New()
	k := NewKey("tasks", nil)
	c.Put(k, []testRecord{{ID: "T1"}})
	m := NewListMerger[testRecord](c, k)

	raw := json.RawMessage(`[{"id":"T1"},{"id":"T2"}]`)
	assert.Equal(t, Merged, m.Merge(router.Event{Payload: raw}))

	got, _ := GetAs[[]testRecord](c, k)
	assert.Equal(t, []string{"T1", "T2"}, ids(got))

	assert.Equal(t, Rejected, m.Merge(router.Event{Payload: json.RawMessage(`{"id":"T3"}`)}))
}

func genItems() gopter.Gen {
	return gen.IntRange(0, 30).Map(func(n int) []testRecord {
		items := make([]testRecord, n)
		for i := range items {
			items[i] = testRecord{ID: fmt.Sprintf("r%d", i)}
		}
		return items
	})
}

func TestUpsertHead_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("head is the pushed record and length is bounded", prop.ForAll(
		func(items []testRecord, pick, limit int) bool {
			rec := testRecord{ID: fmt.Sprintf("r%d", pick)}
			out := UpsertHead(items, rec, limit)
			if out[0].ID != rec.ID {
				return false
			}
			if len(out) > limit {
				return false
			}
			return len(out) <= len(items)+1
		},
		genItems(),
		gen.IntRange(0, 40),
		gen.IntRange(1, 25),
	))

	properties.Property("ids stay unique and others keep their order", prop.ForAll(
		func(items []testRecord, pick, limit int) bool {
			rec := testRecord{ID: fmt.Sprintf("r%d", pick)}
			out := UpsertHead(items, rec, limit)

			seen := make(map[string]bool)
			for _, it := range out {
				if seen[it.ID] {
					return false
				}
				seen[it.ID] = true
			}

			var rest []string
			for _, it := range items {
				if it.ID != rec.ID {
					rest = append(rest, it.ID)
				}
			}
			tail := ids(out[1:])
			if len(tail) > len(rest) {
				return false
			}
			for i := range tail {
				if tail[i] != rest[i] {
					return false
				}
			}
			return true
		},
		genItems(),
		gen.IntRange(0, 40),
		gen.IntRange(1, 25),
	))

	properties.Property("merging the same record twice is idempotent", prop.ForAll(
		func(items []testRecord, pick, limit int) bool {
			rec := testRecord{ID: fmt.Sprintf("r%d", pick)}
			once := UpsertHead(items, rec, limit)
			twice := UpsertHead(once, rec, limit)
			return fmt.Sprint(ids(once)) == fmt.Sprint(ids(twice))
		},
		genItems(),
		gen.IntRange(0, 40),
		gen.IntRange(1, 25),
	))

	properties.TestingRun(t)
}

func TestUpsertHead_DoesNotModifyInput(t *testing.T) {
	items := []testRecord{{ID: "A"}, {ID: "B"}}
	out := UpsertHead(items, testRecord{ID: "C"}, 0)

	assert.Equal(t, []string{"C", "A", "B"}, ids(out))
	assert.Equal(t, []string{"A", "B"}, ids(items))
}
