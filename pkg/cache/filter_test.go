package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fields(t *testing.T, doc string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &m))
	return m
}

func TestFieldFilter(t *testing.T) {
	rec := fields(t, `{
		"incidentId": "i-1",
		"severity": "high",
		"source": "Sensor Nord",
		"timestamp": "2026-03-10T12:00:00Z",
		"payload": {"note": "Überhitzung erkannt"}
	}`)

	tests := []struct {
		name   string
		params map[string]string
		want   bool
	}{
		{"no predicates", nil, true},
		{"equality match", map[string]string{"severity": "high"}, true},
		{"equality mismatch", map[string]string{"severity": "low"}, false},
		{"missing field", map[string]string{"status": "new"}, false},
		{"paging ignored", map[string]string{"page": "2", "pageSize": "5"}, true},
		{"text case-insensitive", map[string]string{"q": "sensor nord"}, true},
		{"text nested", map[string]string{"q": "ÜBERHITZUNG"}, true},
		{"text absent", map[string]string{"q": "flood"}, false},
		{"within range", map[string]string{"dateFrom": "2026-03-01", "dateTo": "2026-03-10"}, true},
		{"before range", map[string]string{"dateFrom": "2026-03-11"}, false},
		{"after range", map[string]string{"dateTo": "2026-03-09"}, false},
		{"rfc3339 bound", map[string]string{"dateTo": "2026-03-10T11:59:59Z"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFieldFilter(tt.params, "timestamp")
			require.NoError(t, err)
			got, err := f.Match(rec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFieldFilter_BadDate(t *testing.T) {
	_, err := ParseFieldFilter(map[string]string{"dateFrom": "yesterday"}, "timestamp")
	require.Error(t, err)
	_, err = ParseFieldFilter(map[string]string{"dateTo": "03/10/2026"}, "timestamp")
	require.Error(t, err)
}

func TestFieldFilter_NumericEquality(t *testing.T) {
	f, err := ParseFieldFilter(map[string]string{"value": "0.5"}, "")
	require.NoError(t, err)

	ok, err := f.Match(fields(t, `{"value": 0.5}`))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCELFilter(t *testing.T) {
	f, err := NewCELFilter(`record.severity in ["high", "critical"] && record.source.startsWith("Sensor")`)
	require.NoError(t, err)
	assert.Contains(t, f.String(), "record.severity")

	ok, err := f.Match(fields(t, `{"severity": "critical", "source": "Sensor Süd"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Match(fields(t, `{"severity": "low", "source": "Sensor Süd"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.Match(fields(t, `{"source": "Sensor"}`))
	require.Error(t, err, "missing field is an evaluation error")
}

func TestCELFilter_CompileErrors(t *testing.T) {
	_, err := NewCELFilter(`record.severity ==`)
	require.Error(t, err)

	f, err := NewCELFilter(`record.severity`)
	require.NoError(t, err)
	_, err = f.Match(fields(t, `{"severity": "high"}`))
	require.Error(t, err, "non-bool result")
}

func TestAllOf(t *testing.T) {
	eq, err := ParseFieldFilter(map[string]string{"severity": "high"}, "")
	require.NoError(t, err)
	cel, err := NewCELFilter(`record.status == "new"`)
	require.NoError(t, err)
	f := AllOf{MatchAll{}, eq, cel}

	ok, err := f.Match(fields(t, `{"severity": "high", "status": "new"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Match(fields(t, `{"severity": "high", "status": "resolved"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}
