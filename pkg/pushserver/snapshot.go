package pushserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/Mindburn-Labs/dataport/pkg/api"
	"github.com/Mindburn-Labs/dataport/pkg/cache"
	"github.com/Mindburn-Labs/dataport/pkg/records"
)

// maxIncidents bounds the incidents the server remembers.
const maxIncidents = 500

// snapshot is the latest state of each catalogued resource, built from
// published payloads so REST reads agree with the streams.
type snapshot struct {
	mu        sync.RWMutex
	incidents []records.Incident
	state     *records.ComplianceState
	tasks     []records.Task
}

func newSnapshot() *snapshot {
	return &snapshot{}
}

func (s *snapshot) apply(resource string, data []byte) error {
	switch resource {
	case records.ResourceIncidents:
		var inc records.Incident
		if err := json.Unmarshal(data, &inc); err != nil {
			return err
		}
		if inc.IncidentID == "" {
			return fmt.Errorf("incident without id")
		}
		s.mu.Lock()
		s.incidents = cache.UpsertHead(s.incidents, inc, maxIncidents)
		s.mu.Unlock()
	case records.ResourceComplianceState:
		var st records.ComplianceState
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		s.mu.Lock()
		s.state = &st
		s.mu.Unlock()
	case records.ResourceTasks:
		var tasks []records.Task
		if err := json.Unmarshal(data, &tasks); err != nil {
			return err
		}
		s.mu.Lock()
		s.tasks = tasks
		s.mu.Unlock()
	}
	return nil
}

// incidentPage filters and pages the remembered incidents, newest first.
func (s *snapshot) incidentPage(params map[string]string) (cache.Page[records.Incident], error) {
	filter, err := cache.ParseFieldFilter(params, "timestamp")
	if err != nil {
		return cache.Page[records.Incident]{}, err
	}
	page := positive(params[cache.ParamPage], 1)
	size := positive(params[cache.ParamPageSize], cache.DefaultPageSize)

	s.mu.RLock()
	all := slices.Clone(s.incidents)
	s.mu.RUnlock()

	matched := make([]records.Incident, 0, len(all))
	for _, inc := range all {
		fields, err := toFields(inc)
		if err != nil {
			return cache.Page[records.Incident]{}, err
		}
		if ok, _ := filter.Match(fields); ok {
			matched = append(matched, inc)
		}
	}

	out := cache.Page[records.Incident]{Items: []records.Incident{}, Total: len(matched), Page: page, PageSize: size}
	start := (page - 1) * size
	if start < len(matched) {
		out.Items = matched[start:min(start+size, len(matched))]
	}
	return out, nil
}

func toFields(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	return m, json.Unmarshal(b, &m)
}

func positive(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	page, err := s.snapshot.incidentPage(params)
	if err != nil {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	writeJSON(w, page)
}

func (s *Server) handleLatestState(w http.ResponseWriter, r *http.Request) {
	s.snapshot.mu.RLock()
	st := s.snapshot.state
	s.snapshot.mu.RUnlock()
	if st == nil {
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no compliance state computed yet")
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	s.snapshot.mu.RLock()
	tasks := s.snapshot.tasks
	s.snapshot.mu.RUnlock()
	if tasks == nil {
		tasks = []records.Task{}
	}
	writeJSON(w, tasks)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
