package meta

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTest(t)

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put("routing:current_version", []byte("3")))
	v, ok, err := s.Get("routing:current_version")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("3"), v)

	require.NoError(t, s.Put("routing:current_version", []byte("4")))
	v, _, _ = s.Get("routing:current_version")
	assert.Equal(t, []byte("4"), v)

	require.NoError(t, s.Delete("routing:current_version"))
	_, ok, _ = s.Get("routing:current_version")
	assert.False(t, ok)
}

func TestPutManyIsAtomicAndList(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.PutMany(map[string][]byte{
		"routing:policy:v1":       []byte(`{"version":1}`),
		"routing:policy:v2":       []byte(`{"version":2}`),
		"routing:current_version": []byte("2"),
		"config:routing-policy":   []byte("{}"),
	}))

	kvs, err := s.List("routing:policy:")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, "routing:policy:v1", kvs[0].Key)
	assert.Equal(t, "routing:policy:v2", kvs[1].Key)

	kvs, err = s.List("split:plan:")
	require.NoError(t, err)
	assert.Empty(t, kvs)
}
