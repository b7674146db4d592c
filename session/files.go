package session

import (
	"fmt"
	"mime"
	"path"
	"sort"
	"sync"
	"time"
)

// FileRecord represents one artifact made visible at the external boundary.
type FileRecord struct {
	ID          string // external identifier, ExternalIDLength chars
	SessionKey  string
	Name        string // path relative to the session data dir
	Path        string // absolute path inside the sandbox
	ContentType string
	CreatedAt   time.Time
}

// FileMap is the bidirectional mapping between external file identifiers
// and real paths inside one session's writable area. It is owned by its
// session entry and dropped wholesale when the session is terminated, so
// an id can never outlive or cross its generation.
//
// Invariant: id <-> (session, path) is a bijection. Registering a path that
// already has an id returns the existing record.
type FileMap struct {
	sessionKey   string
	containerDir string

	mu     sync.Mutex
	byID   map[string]FileRecord
	byName map[string]FileRecord
}

// NewFileMap creates an empty FileMap for the session.
func NewFileMap(sessionKey, containerDir string) *FileMap {
	return &FileMap{
		sessionKey:   sessionKey,
		containerDir: containerDir,
		byID:         make(map[string]FileRecord),
		byName:       make(map[string]FileRecord),
	}
}

// Register assigns an external id to the named file, or returns the
// existing record when the path was seen before. The second return value
// reports whether the record is new.
func (f *FileMap) Register(name string, now time.Time) (FileRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rec, ok := f.byName[name]; ok {
		return rec, false
	}

	rec := FileRecord{
		ID:          NewExternalID(),
		SessionKey:  f.sessionKey,
		Name:        name,
		Path:        path.Join(f.containerDir, name),
		ContentType: contentTypeFor(name),
		CreatedAt:   now,
	}
	f.byID[rec.ID] = rec
	f.byName[name] = rec
	return rec, true
}

// Resolve looks a file up by external id or, when the argument does not
// have the external id shape, by name.
func (f *FileMap) Resolve(idOrName string) (FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if IsExternalID(idOrName) {
		if rec, ok := f.byID[idOrName]; ok {
			return rec, nil
		}
		// A well-shaped id that is unknown is not retried as a name:
		// ids and dotted file names are disjoint by construction.
		return FileRecord{}, fmt.Errorf("%w: %s", ErrFileNotFound, idOrName)
	}
	if rec, ok := f.byName[idOrName]; ok {
		return rec, nil
	}
	return FileRecord{}, fmt.Errorf("%w: %s", ErrFileNotFound, idOrName)
}

// List returns all records sorted by name.
func (f *FileMap) List() []FileRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := make([]FileRecord, 0, len(f.byName))
	for _, rec := range f.byName {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// Len returns the number of tracked files.
func (f *FileMap) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byName)
}

// contentTypeFor maps a file name to its declared content type.
func contentTypeFor(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
