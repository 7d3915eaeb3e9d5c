package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(epoch int) *Record {
	return &Record{
		RunID:      "run-42",
		Epoch:      epoch,
		GlobalStep: int64(epoch * 100),
		BestLoss:   0.5,
		SavedAt:    time.Now().UTC(),
		Params: []Param{
			{Name: "head.weight", Value: []float64{0.1, -0.2}},
			{Name: "head.bias", Value: []float64{0.0}},
		},
		OptimizerState: json.RawMessage(`{"lr":0.01}`),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	assert.False(t, store.Exists())
	_, err = store.Load()
	require.ErrorIs(t, err, ErrNoCheckpoint)

	rec := sampleRecord(3)
	require.NoError(t, store.Save(rec))
	assert.True(t, store.Exists())

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, rec.Epoch, got.Epoch)
	assert.Equal(t, rec.GlobalStep, got.GlobalStep)
	assert.Equal(t, rec.Params, got.Params)
	assert.JSONEq(t, string(rec.OptimizerState), string(got.OptimizerState))
}

func TestStoreBestIsIndependentOfLatest(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SaveBest(sampleRecord(2)))
	require.NoError(t, store.Save(sampleRecord(5)))

	best, err := store.LoadBest()
	require.NoError(t, err)
	assert.Equal(t, 2, best.Epoch)

	latest, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, latest.Epoch)
}

func TestStoreSaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(sampleRecord(1)))
	require.NoError(t, store.Save(sampleRecord(2)))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, got.Epoch)

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "latest.json", entries[0].Name())
}

func TestStoreCorruptFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "latest.json"), []byte("{half a rec"), 0o644))
	_, err = store.Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCheckpoint)
}

func TestNewStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "checkpoints")
	_, err := NewStore(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
