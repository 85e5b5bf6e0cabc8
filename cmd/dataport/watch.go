package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/dataport/pkg/api"
	"github.com/Mindburn-Labs/dataport/pkg/cache"
	"github.com/Mindburn-Labs/dataport/pkg/config"
	"github.com/Mindburn-Labs/dataport/pkg/records"
	"github.com/Mindburn-Labs/dataport/pkg/router"
)

type watchOptions struct {
	topic    string
	status   string
	severity string
	text     string
	filter   string
	pageSize int
	events   int
}

// runWatchCmd implements `dataport watch`.
//
// Exit codes:
//
//	0 = stopped by signal or after --events events
//	1 = the initial load or subscription failed
//	2 = usage error
func runWatchCmd(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("watch", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var o watchOptions
	cmd.StringVar(&o.topic, "topic", records.TopicIncidents, "Topic to watch (incidents or compliance)")
	cmd.StringVar(&o.status, "status", "", "Only incidents with this status")
	cmd.StringVar(&o.severity, "severity", "", "Only incidents with this severity")
	cmd.StringVar(&o.text, "q", "", "Free-text incident search")
	cmd.StringVar(&o.filter, "filter", "", "CEL expression pushed incidents must satisfy, e.g. 'severity == \"critical\"'")
	cmd.IntVar(&o.pageSize, "page-size", 0, "Page size (default from config)")
	cmd.IntVar(&o.events, "events", 0, "Exit after this many pushed events (0 = run until interrupted)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close(ctx)

	if o.pageSize <= 0 {
		o.pageSize = rt.pageSize(o.topic)
	}

	var w watcher
	switch o.topic {
	case records.TopicIncidents:
		w, err = newIncidentWatcher(rt, o)
	case records.TopicCompliance:
		w = &complianceWatcher{rt: rt}
	default:
		_, _ = fmt.Fprintf(stderr, "Error: cannot watch topic %q\n", o.topic)
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if err := w.load(ctx, stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: initial load: %v\n", err)
		return 1
	}

	stopMerge, err := rt.session.MergeTopics([]string{o.topic}, rt.cache, rt.views, cache.WithPageSize(o.pageSize))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer stopMerge()

	done := make(chan struct{})
	var (
		mu   sync.Mutex
		seen int
	)
	printer := func(ev router.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if o.events > 0 && seen >= o.events {
			return nil
		}
		w.print(stdout, ev)
		seen++
		if seen == o.events {
			close(done)
		}
		return nil
	}

	// Registered after the mergers, so the printer sees the merged view.
	spec, _ := records.Lookup(rt.topics, o.topic)
	for _, e := range spec.Events {
		unsub, err := rt.session.Subscribe(o.topic, e.Name, printer)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer unsub()
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
	return 0
}

type watcher interface {
	load(ctx context.Context, out io.Writer) error
	print(out io.Writer, ev router.Event)
}

type incidentWatcher struct {
	rt    *runtime
	query api.IncidentQuery
	key   cache.Key
}

func newIncidentWatcher(rt *runtime, o watchOptions) (*incidentWatcher, error) {
	q := api.IncidentQuery{
		Status:   o.status,
		Severity: o.severity,
		Q:        o.text,
		PageSize: o.pageSize,
	}
	params := q.Params()

	ff, err := cache.ParseFieldFilter(params, "timestamp")
	if err != nil {
		return nil, err
	}
	var filter cache.Filter = ff
	if o.filter != "" {
		cel, err := cache.NewCELFilter(o.filter)
		if err != nil {
			return nil, err
		}
		filter = cache.AllOf{ff, cel}
	}

	w := &incidentWatcher{rt: rt, query: q, key: cache.NewKey(records.ResourceIncidents, params)}
	rt.views.Set(cache.View{Key: w.key, Filter: filter})
	return w, nil
}

func (w *incidentWatcher) load(ctx context.Context, out io.Writer) error {
	page, err := cache.Query(ctx, w.rt.cache, w.key, func(ctx context.Context) (cache.Page[records.Incident], error) {
		return w.rt.client.ListIncidents(ctx, w.query)
	})
	if err != nil {
		return err
	}
	printIncidents(out, "loaded", page)
	return nil
}

func (w *incidentWatcher) print(out io.Writer, ev router.Event) {
	page, ok := cache.GetAs[cache.Page[records.Incident]](w.rt.cache, w.key)
	if !ok {
		_, _ = fmt.Fprintf(out, "event %s on %s: view not cached\n", ev.Name, ev.Topic)
		return
	}
	printIncidents(out, "event "+ev.ID.String(), page)
}

func printIncidents(out io.Writer, label string, page cache.Page[records.Incident]) {
	_, _ = fmt.Fprintf(out, "-- incidents page %d (%d shown, %d total) [%s]\n", page.Page, len(page.Items), page.Total, label)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SEVERITY\tSTATUS\tID\tTYPE\tSOURCE\tTIMESTAMP")
	for _, inc := range page.Items {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			inc.Severity, inc.Status, inc.IncidentID, inc.Type, inc.Source, inc.Timestamp.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

type complianceWatcher struct {
	rt *runtime
}

var (
	stateKey = cache.NewKey(records.ResourceComplianceState, nil)
	tasksKey = cache.NewKey(records.ResourceTasks, nil)
)

func (w *complianceWatcher) load(ctx context.Context, out io.Writer) error {
	_, err := cache.Query(ctx, w.rt.cache, stateKey, w.rt.client.LatestComplianceState)
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		w.rt.logger.Warn("no compliance state yet; state events are not merged until one exists")
		err = nil
	}
	if err != nil {
		return err
	}
	if _, err := cache.Query(ctx, w.rt.cache, tasksKey, w.rt.client.ListTasks); err != nil {
		return err
	}
	w.printAll(out, "loaded")
	return nil
}

func (w *complianceWatcher) print(out io.Writer, ev router.Event) {
	w.printAll(out, ev.Name+" "+ev.ID.String())
}

func (w *complianceWatcher) printAll(out io.Writer, label string) {
	_, _ = fmt.Fprintf(out, "-- compliance [%s]\n", label)
	if st, ok := cache.GetAs[records.ComplianceState](w.rt.cache, stateKey); ok {
		_, _ = fmt.Fprintf(out, "state %s on %s: %s\n", st.StateID, st.Date, st.OverallStatus)
	}
	tasks, _ := cache.GetAs[[]records.Task](w.rt.cache, tasksKey)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STATUS\tMODULE\tDUE\tDESCRIPTION")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Status, t.Module, t.DueDate, t.Description)
	}
	_ = tw.Flush()
}
