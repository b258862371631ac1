package build

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Store persists the hot set of builds and the archive of evicted ones.
type Store interface {
	Save(builds []Build, nextID int) error
	Load() ([]Build, int, error)
	Archive(b Build) error
	Archived(id int) (Build, error)
}

type fileState struct {
	NextID int     `json:"nextId"`
	Builds []Build `json:"builds"`
}

// FileStore keeps builds.json in dir and writes evicted builds as
// zstd-compressed documents under dir/archive.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0o755); err != nil {
		return nil, fmt.Errorf("create build store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) statePath() string { return filepath.Join(s.dir, "builds.json") }

func (s *FileStore) archivePath(id int) string {
	return filepath.Join(s.dir, "archive", strconv.Itoa(id)+".json.zst")
}

func (s *FileStore) Save(builds []Build, nextID int) error {
	payload, err := json.MarshalIndent(fileState{NextID: nextID, Builds: builds}, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(s.statePath(), payload)
}

func (s *FileStore) Load() ([]Build, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, 1, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, 0, fmt.Errorf("parse builds.json: %w", err)
	}
	if state.NextID < 1 {
		state.NextID = 1
	}
	return state.Builds, state.NextID, nil
}

func (s *FileStore) Archive(b Build) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(payload, nil)
	_ = enc.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(s.archivePath(b.ID), compressed)
}

func (s *FileStore) Archived(id int) (Build, error) {
	data, err := os.ReadFile(s.archivePath(id))
	if errors.Is(err, os.ErrNotExist) {
		return Build{}, ErrNotFound
	}
	if err != nil {
		return Build{}, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Build{}, err
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(data, nil)
	if err != nil {
		return Build{}, fmt.Errorf("decompress build %d: %w", id, err)
	}
	var b Build
	if err := json.Unmarshal(payload, &b); err != nil {
		return Build{}, fmt.Errorf("parse build %d: %w", id, err)
	}
	return b, nil
}

func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
