package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

const (
	latestFile = "latest.json"
	bestFile   = "best.json"
)

// ErrNoCheckpoint is returned when no checkpoint has been written yet.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Param is one saved parameter tensor.
type Param struct {
	Name  string    `json:"name"`
	Value []float64 `json:"value"`
}

// Record is a snapshot of training state sufficient to resume a run
// exactly: counters, model parameters and the opaque optimizer, scheduler
// and loss-scaler states.
type Record struct {
	RunID      string    `json:"run_id"`
	Epoch      int       `json:"epoch"`
	GlobalStep int64     `json:"global_step"`
	BestLoss   float64   `json:"best_loss"`
	SavedAt    time.Time `json:"saved_at"`

	Params         []Param         `json:"params"`
	OptimizerState json.RawMessage `json:"optimizer_state,omitempty"`
	SchedulerState json.RawMessage `json:"scheduler_state,omitempty"`
	ScalerState    json.RawMessage `json:"scaler_state,omitempty"`
}

// Store persists checkpoint records under one directory. Writes take an
// exclusive lock and go through a temp-file-plus-atomic-rename so an
// interrupted write always leaves the previous valid record intact and
// readers never observe a partial file.
type Store struct {
	dir string
	mu  sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save writes the latest checkpoint.
func (s *Store) Save(rec *Record) error {
	return s.write(latestFile, rec)
}

// SaveBest writes the best-so-far checkpoint alongside the latest one.
func (s *Store) SaveBest(rec *Record) error {
	return s.write(bestFile, rec)
}

func (s *Store) write(name string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	path := filepath.Join(s.dir, name)
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("failed to create pending checkpoint file: %w", err)
	}
	defer pending.Cleanup() //nolint:errcheck // removes the temp file if not committed

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("failed to write checkpoint data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to atomically replace checkpoint %s: %w", path, err)
	}
	return nil
}

// Load reads the latest checkpoint.
func (s *Store) Load() (*Record, error) {
	return s.read(latestFile)
}

// LoadBest reads the best-so-far checkpoint.
func (s *Store) LoadBest() (*Record, error) {
	return s.read(bestFile)
}

func (s *Store) read(name string) (*Record, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	return &rec, nil
}

// Exists reports whether a latest checkpoint is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dir, latestFile))
	return err == nil
}
