package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/animus-coder/taskplane/internal/fsutil"
)

const archiveDirName = "archive"

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateTaskID rejects ids that cannot be used as a file name.
func ValidateTaskID(id string) error {
	if !taskIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	return nil
}

// ArchiveIndex records archived contracts for querying. internal/archive
// provides the SQLite implementation.
type ArchiveIndex interface {
	Record(ctx context.Context, c *Contract) error
}

// FileStore keeps one JSON document per contract. Active contracts live in
// dir; terminal ones are renamed into dir/archive and never deleted.
type FileStore struct {
	dir         string
	lockTimeout time.Duration
	index       ArchiveIndex
}

// NewFileStore returns a store rooted at dir. index may be nil.
func NewFileStore(dir string, lockTimeout time.Duration, index ArchiveIndex) *FileStore {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &FileStore{dir: dir, lockTimeout: lockTimeout, index: index}
}

// Dir returns the active contract directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) activePath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) archivePath(id string) string {
	return filepath.Join(s.dir, archiveDirName, id+".json")
}

// Lock takes the advisory lock for one contract.
func (s *FileStore) Lock(ctx context.Context, id string) (*fsutil.FileLock, error) {
	if err := ValidateTaskID(id); err != nil {
		return nil, err
	}
	return fsutil.Lock(ctx, s.activePath(id), s.lockTimeout)
}

// Load reads a contract, active or archived. Readers never lock.
func (s *FileStore) Load(id string) (*Contract, error) {
	if err := ValidateTaskID(id); err != nil {
		return nil, err
	}
	c, err := s.read(s.activePath(id))
	if errors.Is(err, os.ErrNotExist) {
		c, err = s.read(s.archivePath(id))
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, err
}

// Exists reports whether id is stored, active or archived.
func (s *FileStore) Exists(id string) bool {
	for _, p := range []string{s.activePath(id), s.archivePath(id)} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func (s *FileStore) read(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses a contract document and enforces the schema version.
func Decode(data []byte) (*Contract, error) {
	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode contract: %w", err)
	}
	if c.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSchemaVersion, c.SchemaVersion, SchemaVersion)
	}
	if !c.Status.Valid() {
		return nil, fmt.Errorf("decode contract %s: unknown status %q", c.TaskID, c.Status)
	}
	return &c, nil
}

// Save atomically writes an active contract. Callers hold the lock.
func (s *FileStore) Save(c *Contract) error {
	if err := ValidateTaskID(c.TaskID); err != nil {
		return err
	}
	if err := fsutil.WriteJSONAtomic(s.activePath(c.TaskID), c); err != nil {
		return fmt.Errorf("save contract %s: %w", c.TaskID, err)
	}
	return nil
}

// Archive moves a saved contract out of active storage and indexes it.
// Index failures are returned after the move has happened.
func (s *FileStore) Archive(ctx context.Context, c *Contract) error {
	dst := s.archivePath(c.TaskID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.Rename(s.activePath(c.TaskID), dst); err != nil {
		return fmt.Errorf("archive contract %s: %w", c.TaskID, err)
	}
	if s.index != nil {
		if err := s.index.Record(ctx, c); err != nil {
			return fmt.Errorf("index archived contract %s: %w", c.TaskID, err)
		}
	}
	return nil
}

// Amend rewrites a terminal contract where it currently lives and refreshes
// its index entry. A contract whose archive move failed is still active.
// Callers hold the lock.
func (s *FileStore) Amend(ctx context.Context, c *Contract) error {
	if err := ValidateTaskID(c.TaskID); err != nil {
		return err
	}
	path := s.archivePath(c.TaskID)
	archived := true
	if _, err := os.Stat(s.activePath(c.TaskID)); err == nil {
		path, archived = s.activePath(c.TaskID), false
	}
	if err := fsutil.WriteJSONAtomic(path, c); err != nil {
		return fmt.Errorf("amend contract %s: %w", c.TaskID, err)
	}
	if archived && s.index != nil {
		if err := s.index.Record(ctx, c); err != nil {
			return fmt.Errorf("index archived contract %s: %w", c.TaskID, err)
		}
	}
	return nil
}

// List returns active contracts sorted by task id. Unreadable documents
// are reported as an error after the readable ones are collected.
func (s *FileStore) List() ([]*Contract, error) {
	return s.list(s.dir)
}

// ListArchived returns archived contracts sorted by task id.
func (s *FileStore) ListArchived() ([]*Contract, error) {
	return s.list(filepath.Join(s.dir, archiveDirName))
}

func (s *FileStore) list(dir string) ([]*Contract, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}

	var (
		out  []*Contract
		errs []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		c, err := s.read(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, errors.Join(errs...)
}
