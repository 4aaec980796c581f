package db

import (
	"testing"

	"tower/logs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(t.TempDir(), logs.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestSetGetDelete(t *testing.T) {
	mgr := openTestDB(t)

	_, err := mgr.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mgr.Set("k", []byte("v")))
	val, err := mgr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	ok, err := mgr.Has("k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, mgr.Delete("k"))
	ok, err = mgr.Has("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScanPrefixIsHeightOrdered(t *testing.T) {
	mgr := openTestDB(t)
	for _, h := range []uint64{10, 2, 100, 1} {
		require.NoError(t, mgr.Set(KeyBacklog("acct", h), []byte{byte(h)}))
	}
	require.NoError(t, mgr.Set(KeyBacklog("other", 3), []byte{3}))

	var heights []uint64
	err := mgr.ScanPrefix(KeyBacklogPrefix("acct"), func(key string, _ []byte) error {
		h, err := HeightFromBacklogKey(key)
		heights = append(heights, h)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 10, 100}, heights)
}

func TestApplyBatchAtomic(t *testing.T) {
	mgr := openTestDB(t)
	require.NoError(t, mgr.ApplyBatch([]WriteTask{
		{Key: []byte("a"), Value: []byte("1"), Op: OpSet},
		{Key: []byte("b"), Value: []byte("2"), Op: OpSet},
	}))
	require.NoError(t, mgr.ApplyBatch([]WriteTask{
		{Key: []byte("a"), Op: OpDelete},
	}))
	_, err := mgr.Get("a")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.Get("b")
	require.NoError(t, err)
}

func TestInMemoryAndClose(t *testing.T) {
	mgr, err := NewManagerWithOptions("", nil, Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, mgr.Set("x", []byte("y")))
	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close())

	_, err = mgr.Get("x")
	require.Error(t, err)
}

func TestHeightFromBacklogKey(t *testing.T) {
	h, err := HeightFromBacklogKey(KeyBacklog("a_b", 42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), h)

	_, err = HeightFromBacklogKey("nounderscore")
	require.Error(t, err)
}
