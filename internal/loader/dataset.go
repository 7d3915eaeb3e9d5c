package loader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"cinetrain/internal/clip"
)

// Sample is one raw clip paired with its regression target.
type Sample struct {
	ID     string
	Clip   *clip.ClipSpec
	Target float64
}

// Dataset enumerates the samples of one split. Implementations must be safe
// for concurrent Sample calls.
type Dataset interface {
	Len() int
	Sample(ctx context.Context, index int) (*Sample, error)
}

type fileEntry struct {
	path   string
	target float64
}

// FileDataset reads clips from a data folder, driven by a targets CSV whose
// rows are `relative/clip/path,target`.
type FileDataset struct {
	root    string
	entries []fileEntry
}

func OpenFileDataset(targetsPath, dataFolder string) (*FileDataset, error) {
	f, err := os.Open(targetsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open targets file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 2
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse targets file %s: %w", targetsPath, err)
	}

	ds := &FileDataset{root: dataFolder}
	for i, row := range rows {
		target, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			// a header row is tolerated, anything else is a bad file
			if i == 0 {
				continue
			}
			return nil, fmt.Errorf("targets file %s row %d has non-numeric target %q", targetsPath, i+1, row[1])
		}
		ds.entries = append(ds.entries, fileEntry{path: row[0], target: target})
	}
	if len(ds.entries) == 0 {
		return nil, fmt.Errorf("targets file %s lists no samples", targetsPath)
	}
	return ds, nil
}

func (d *FileDataset) Len() int { return len(d.entries) }

// Sample loads and decodes one clip. Unreadable or malformed clip files are
// DataErrors so the loader's skip/abort policy applies to them.
func (d *FileDataset) Sample(_ context.Context, index int) (*Sample, error) {
	entry := d.entries[index]
	path := filepath.Join(d.root, entry.path)

	f, err := os.Open(path)
	if err != nil {
		return nil, clip.DataErrorf("failed to open clip %s: %v", entry.path, err)
	}
	defer f.Close()

	spec, err := clip.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("clip %s: %w", entry.path, err)
	}
	return &Sample{ID: entry.path, Clip: spec, Target: entry.target}, nil
}
