package revision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVersionIsShortAndPrintable(t *testing.T) {
	v, err := NewVersion()
	require.NoError(t, err)
	assert.True(t, isShortPrintable(string(v)))
	assert.LessOrEqual(t, len(v), 16)
}

func TestNewVersionIsUnique(t *testing.T) {
	seen := make(map[Version]struct{})
	for i := 0; i < 1000; i++ {
		v, err := NewVersion()
		require.NoError(t, err)
		_, dup := seen[v]
		assert.False(t, dup)
		seen[v] = struct{}{}
	}
}

func TestRevisionValidate(t *testing.T) {
	cases := []struct {
		name    string
		rev     Revision
		wantErr bool
	}{
		{"valid root", Revision{ID: []byte("doc1"), Pe: Local}, false},
		{"missing id", Revision{Pe: Local}, true},
		{"missing pe", Revision{ID: []byte("doc1")}, true},
		{"bad version chars", Revision{ID: []byte("doc1"), Pe: Local, V: "has space"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rev.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsVirtual(t *testing.T) {
	assert.True(t, (&Revision{}).IsVirtual())
	assert.False(t, (&Revision{V: "abc"}).IsVirtual())
}

func TestBodyCloneIsDeep(t *testing.T) {
	orig := Body{"a": 1, "nested": map[string]any{"x": 1}, "list": []any{1, 2}}
	clone := orig.Clone()

	nested := clone["nested"].(map[string]any)
	nested["x"] = 999
	assert.Equal(t, 1, orig["nested"].(map[string]any)["x"])

	list := clone["list"].([]any)
	list[0] = 999
	assert.Equal(t, 1, orig["list"].([]any)[0])
}

func TestFieldEqual(t *testing.T) {
	assert.True(t, FieldEqual(nil, nil))
	assert.False(t, FieldEqual(nil, 1))
	assert.True(t, FieldEqual("a", "a"))
	assert.False(t, FieldEqual("a", "b"))
	assert.True(t, FieldEqual([]any{1, 2}, []any{1, 2}))
	assert.False(t, FieldEqual([]any{1, 2}, []any{2, 1}))
	assert.True(t, FieldEqual(map[string]any{"a": 1}, map[string]any{"a": 1}))
}

func TestBodyEqual(t *testing.T) {
	a := Body{"x": 1, "y": "hi"}
	b := Body{"x": 1, "y": "hi"}
	c := Body{"x": 1, "y": "bye"}
	assert.True(t, BodyEqual(a, b))
	assert.False(t, BodyEqual(a, c))
	assert.False(t, BodyEqual(a, Body{"x": 1}))
}

func TestCloneDoesNotAliasParentSlice(t *testing.T) {
	r := &Revision{ID: []byte("id"), Pe: Local, Pa: []Version{"p1", "p2"}}
	c := r.Clone()
	c.Pa[0] = "changed"
	assert.Equal(t, Version("p1"), r.Pa[0])
}
