package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	b, err := JCS(map[string]interface{}{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{"y": "foo", "x": "bar"},
		"a": 1,
	}
	b, err := JCS(input)
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"q": "<b>fraud</b> & drift"})
	require.NoError(t, err)
	require.Equal(t, `{"q":"<b>fraud</b> & drift"}`, string(b))
}

func TestCanonicalHash_Stability(t *testing.T) {
	v1 := map[string]interface{}{"resource": "incidents", "page": 1}

	type key struct {
		Page     int    `json:"page"`
		Resource string `json:"resource"`
	}
	v2 := key{Page: 1, Resource: "incidents"}

	h1, err := CanonicalHash(v1)
	require.NoError(t, err)
	h2, err := CanonicalHash(v2)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestJCS_NumberTypes(t *testing.T) {
	b, err := JCS(map[string]interface{}{"num": json.Number("123.456"), "int": 20.0})
	require.NoError(t, err)
	require.Equal(t, `{"int":20,"num":123.456}`, string(b))
}

func TestJCSString(t *testing.T) {
	s, err := JCSString(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2}`, s)
}
