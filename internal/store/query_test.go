package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMatchNumericAcrossTypes(t *testing.T) {
	src := map[string]any{"retries": float64(2)}
	assert.True(t, Match(src, map[string][]any{"retries": Terms(2)}))
	assert.False(t, Match(src, map[string][]any{"retries": Terms(3)}))
	assert.False(t, Match(src, map[string][]any{"missing": Terms(1)}))
	assert.True(t, Match(src, nil))
}

func TestSortMissingFieldsLast(t *testing.T) {
	docs := []*Document{
		{ID: "a", Source: map[string]any{}},
		{ID: "b", Source: map[string]any{"t": 5}},
		{ID: "c", Source: map[string]any{"t": float64(1)}},
	}
	Sort(docs, "t", false)
	assert.Equal(t, "c", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)
	assert.Equal(t, "a", docs[2].ID)
}

func TestFieldReaders(t *testing.T) {
	now := time.UnixMilli(time.Now().UnixMilli())
	src := map[string]any{
		"s":     "x",
		"n":     float64(3),
		"ns":    "7",
		"b":     true,
		"bs":    "true",
		"list":  []any{"a", "b"},
		"list2": []string{"c"},
		"time":  now.UnixMilli(),
	}
	assert.Equal(t, "x", String(src, "s"))
	assert.Equal(t, "", String(src, "missing"))
	assert.Equal(t, 3, Int(src, "n"))
	assert.Equal(t, int64(7), Int64(src, "ns"))
	assert.True(t, Bool(src, "b"))
	assert.True(t, Bool(src, "bs"))
	assert.False(t, Bool(src, "missing"))
	assert.Equal(t, []string{"a", "b"}, Strings(src, "list"))
	assert.Equal(t, []string{"c"}, Strings(src, "list2"))
	assert.Nil(t, Strings(src, "missing"))
	assert.True(t, now.Equal(Time(src, "time")))
	assert.True(t, Time(src, "missing").IsZero())
}

func TestCloneIsDeep(t *testing.T) {
	src := map[string]any{"nested": map[string]any{"k": []any{"v"}}}
	c := Clone(src)
	c["nested"].(map[string]any)["k"].([]any)[0] = "changed"
	assert.Equal(t, "v", src["nested"].(map[string]any)["k"].([]any)[0])
}
