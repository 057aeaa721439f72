package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZip_MinLength(t *testing.T) {
	got := Zip(map[string]any{
		"a": []any{1, 2, 3},
		"b": []any{10, 20},
	}, []string{"a", "b"})

	assert.Equal(t, []map[string]any{
		{"a": 1, "b": 10},
		{"a": 2, "b": 20},
	}, got)
}

func TestZip_AbsentFieldsOmitted(t *testing.T) {
	got := Zip(map[string]any{
		"title": []any{"x", "y"},
		"link":  []any{"/x", "/y"},
		"empty": []any{},
		"none":  nil,
	}, []string{"title", "link", "empty", "none"})

	assert.Len(t, got, 2)
	for _, rec := range got {
		assert.NotContains(t, rec, "empty")
		assert.NotContains(t, rec, "none")
	}
	assert.Equal(t, "y", got[1]["title"])
	assert.Equal(t, "/y", got[1]["link"])
}

func TestZip_ScalarIsOneElementList(t *testing.T) {
	got := Zip(map[string]any{
		"heading": "Top",
		"items":   []any{"a", "b"},
	}, []string{"heading", "items"})

	assert.Equal(t, []map[string]any{{"heading": "Top", "items": "a"}}, got)
}

func TestZip_Empty(t *testing.T) {
	assert.Nil(t, Zip(map[string]any{"a": []any{}}, []string{"a"}))
	assert.Nil(t, Zip(nil, nil))
}

func TestZip_OnlyOrderedFields(t *testing.T) {
	got := Zip(map[string]any{"a": []any{1}, "ignored": []any{9}}, []string{"a"})
	assert.Equal(t, []map[string]any{{"a": 1}}, got)
}

func TestZip_StringSlices(t *testing.T) {
	got := Zip(map[string]any{"s": []string{"p", "q"}}, []string{"s"})
	assert.Equal(t, []map[string]any{{"s": "p"}, {"s": "q"}}, got)
}
