package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameNo(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	n, err := s.FrameNo()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.SetFrameNo(42))
	n, err = s.FrameNo()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
}

func TestFrameNo_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetFrameNo(1<<40+7))
	require.NoError(t, s.Close())

	s, err = Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.FrameNo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40+7), n)
}

func TestDatabaseConfig(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	cfg, err := s.DatabaseConfig()
	require.NoError(t, err)
	assert.Equal(t, DatabaseConfig{}, cfg)

	want := DatabaseConfig{BlockWrites: true, BlockReason: "maintenance"}
	require.NoError(t, s.SetDatabaseConfig(want))

	cfg, err = s.DatabaseConfig()
	require.NoError(t, err)
	assert.Equal(t, want, cfg)
}

func TestClose_Idempotent(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
