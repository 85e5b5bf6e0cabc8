package cache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Filter decides whether a record belongs to a view. Fields is the
// record's JSON object.
type Filter interface {
	Match(fields map[string]any) (bool, error)
}

// MatchAll accepts every record.
type MatchAll struct{}

// Match implements Filter.
func (MatchAll) Match(map[string]any) (bool, error) { return true, nil }

// Filter parameters with special meaning.
const (
	ParamQuery    = "q"
	ParamDateFrom = "dateFrom"
	ParamDateTo   = "dateTo"
)

// FieldFilter matches records on field equality, free text and a time
// range, the way list endpoints filter.
type FieldFilter struct {
	Equals    map[string]string
	Text      string
	TimeField string
	From      time.Time
	To        time.Time
}

// ParseFieldFilter builds a FieldFilter from view parameters. Any
// parameter other than page, pageSize, q, dateFrom and dateTo is an
// equality predicate. timeField names the record field dateFrom/dateTo
// apply to. A bare date in dateTo covers the whole day.
func ParseFieldFilter(params map[string]string, timeField string) (FieldFilter, error) {
	f := FieldFilter{TimeField: timeField}
	for name, v := range params {
		if v == "" {
			continue
		}
		switch name {
		case ParamPage, ParamPageSize:
		case ParamQuery:
			f.Text = v
		case ParamDateFrom:
			t, _, err := parseDate(v)
			if err != nil {
				return FieldFilter{}, fmt.Errorf("dateFrom: %w", err)
			}
			f.From = t
		case ParamDateTo:
			t, dateOnly, err := parseDate(v)
			if err != nil {
				return FieldFilter{}, fmt.Errorf("dateTo: %w", err)
			}
			if dateOnly {
				t = t.Add(24*time.Hour - time.Nanosecond)
			}
			f.To = t
		default:
			if f.Equals == nil {
				f.Equals = make(map[string]string)
			}
			f.Equals[name] = v
		}
	}
	return f, nil
}

func parseDate(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid date %q", s)
	}
	return t, true, nil
}

// Match implements Filter.
func (f FieldFilter) Match(fields map[string]any) (bool, error) {
	for name, want := range f.Equals {
		got, ok := fields[name]
		if !ok || scalarString(got) != want {
			return false, nil
		}
	}

	if f.TimeField != "" && (!f.From.IsZero() || !f.To.IsZero()) {
		raw, _ := fields[f.TimeField].(string)
		t, _, err := parseDate(raw)
		if err != nil {
			return false, nil
		}
		if !f.From.IsZero() && t.Before(f.From) {
			return false, nil
		}
		if !f.To.IsZero() && t.After(f.To) {
			return false, nil
		}
	}

	if f.Text != "" {
		needle := foldText(f.Text)
		if !containsText(fields, needle) {
			return false, nil
		}
	}
	return true, nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// foldText normalizes s for case-insensitive comparison.
func foldText(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// containsText reports whether any string value in v, at any depth,
// contains the folded needle.
func containsText(v any, needle string) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(foldText(t), needle)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if containsText(t[k], needle) {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if containsText(e, needle) {
				return true
			}
		}
	}
	return false
}

// CELFilter matches records with a boolean CEL expression over the
// variable "record", e.g. record.severity in ["high", "critical"].
type CELFilter struct {
	expr string
	prg  cel.Program
}

// NewCELFilter compiles expr.
func NewCELFilter(expr string) (*CELFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile filter: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return &CELFilter{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (f *CELFilter) String() string { return f.expr }

// Match implements Filter. Evaluation errors, such as a missing field,
// are returned; callers treat them as no match.
func (f *CELFilter) Match(fields map[string]any) (bool, error) {
	out, _, err := f.prg.Eval(map[string]any{"record": fields})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return v, nil
}

// AllOf matches when every filter matches.
type AllOf []Filter

// Match implements Filter.
func (a AllOf) Match(fields map[string]any) (bool, error) {
	for _, f := range a {
		ok, err := f.Match(fields)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
