package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreEmptyThenPersist(t *testing.T) {
	path := StatePath(filepath.Join(t.TempDir(), "nested"))

	s, err := OpenFileStore(path)
	require.NoError(t, err)
	_, ok := s.Get(KeyUserID)
	assert.False(t, ok)

	require.NoError(t, s.Set(KeyUserID, "u-1"))
	require.NoError(t, s.Set(KeyAccessToken, "tok"))

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	v, ok := reopened.Get(KeyUserID)
	assert.True(t, ok)
	assert.Equal(t, "u-1", v)
	v, _ = reopened.Get(KeyAccessToken)
	assert.Equal(t, "tok", v)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o600))
	_, err := OpenFileStore(path)
	assert.Error(t, err)
}

func TestDeviceIDGeneratedOnceAndReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)

	first, err := DeviceID(s)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first)

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	second, err := DeviceID(reopened)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeviceIDReplacesGarbage(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set(KeyDeviceID, "not-a-uuid"))

	id, err := DeviceID(s)
	require.NoError(t, err)
	stored, _ := s.Get(KeyDeviceID)
	assert.Equal(t, id.String(), stored)
}
