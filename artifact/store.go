// Package artifact is a versioned blob store with a SQLite index.
package artifact

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

var (
	ErrArtifactIO = errors.New("artifact io failed")
	ErrNotFound   = fmt.Errorf("%w: not found", ErrArtifactIO)
)

const latest = "latest"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Artifact describes one immutable version of a named blob.
type Artifact struct {
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Kind        string                 `json:"kind"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	File        string                 `json:"file"`
	Path        string                 `json:"-"`
	Digest      string                 `json:"digest"`
	RunID       string                 `json:"run_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Ref is the fully qualified reference, e.g. "cleaned_data:v3".
func (a *Artifact) Ref() string {
	return a.Name + ":" + a.Version
}

// Store reads and writes versioned artifacts.
type Store interface {
	Resolve(ctx context.Context, ref string) (*Artifact, error)
	// Read copies the blob into dir and returns the local path.
	Read(ctx context.Context, ref, dir string) (string, *Artifact, error)
	Write(ctx context.Context, localPath, name, kind, description string, metadata map[string]interface{}) (*Artifact, error)
}

// ParseRef splits "name", "name:latest" or "name:vN".
func ParseRef(ref string) (name, version string, err error) {
	name, version, found := strings.Cut(strings.TrimSpace(ref), ":")
	if !found || version == "" {
		version = latest
	}
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return "", "", fmt.Errorf("%w: invalid artifact name %q", ErrArtifactIO, name)
	}
	if version != latest {
		if _, err := versionNumber(version); err != nil {
			return "", "", err
		}
	}
	return name, version, nil
}

func versionNumber(version string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(version, "v"))
	if err != nil || !strings.HasPrefix(version, "v") || n < 0 {
		return 0, fmt.Errorf("%w: invalid artifact version %q", ErrArtifactIO, version)
	}
	return n, nil
}

// LocalStore keeps blobs under <root>/blobs/<name>/<version>/ and the index in
// <root>/index.db. Versions are v0, v1, ... per name.
type LocalStore struct {
	root  string
	db    *sql.DB
	mu    sync.Mutex
	cache *lru.Cache[string, *Artifact]
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root: %v", ErrArtifactIO, err)
	}

	dsn := filepath.Join(root, "index.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database failed: %v", ErrArtifactIO, err)
	}
	db.SetMaxOpenConns(1)

	cache, err := lru.New[string, *Artifact](256)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrArtifactIO, err)
	}

	s := &LocalStore{root: root, db: db, cache: cache}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create tables failed: %v", ErrArtifactIO, err)
	}
	return s, nil
}

func (s *LocalStore) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
            name TEXT NOT NULL,
            version INTEGER NOT NULL,
            kind TEXT NOT NULL,
            description TEXT,
            metadata TEXT,
            file TEXT NOT NULL,
            digest TEXT NOT NULL,
            run_id TEXT,
            created_at INTEGER NOT NULL,
            PRIMARY KEY (name, version)
        )`,
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            step TEXT NOT NULL,
            status TEXT NOT NULL,
            summary TEXT,
            error TEXT,
            started_at INTEGER NOT NULL,
            finished_at INTEGER
        )`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}

const artifactColumns = `name, version, kind, description, metadata, file, digest, run_id, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *LocalStore) scan(row rowScanner) (*Artifact, error) {
	var (
		a         Artifact
		version   int
		desc      sql.NullString
		metadata  sql.NullString
		runID     sql.NullString
		createdAt int64
	)
	if err := row.Scan(&a.Name, &version, &a.Kind, &desc, &metadata, &a.File, &a.Digest, &runID, &createdAt); err != nil {
		return nil, err
	}
	a.Version = "v" + strconv.Itoa(version)
	a.Description = desc.String
	a.RunID = runID.String
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.Path = s.blobPath(a.Name, a.Version, a.File)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %v", a.Ref(), err)
		}
	}
	return &a, nil
}

func (s *LocalStore) blobPath(name, version, file string) string {
	return filepath.Join(s.root, "blobs", name, version, file)
}

// visible excludes versions written by runs that failed.
const visible = `(run_id IS NULL OR run_id NOT IN (SELECT id FROM runs WHERE status = '` + RunFailed + `'))`

// Resolve looks up a reference. "latest" is always read from the index and
// skips versions written by failed runs; an explicit version resolves as is.
func (s *LocalStore) Resolve(ctx context.Context, ref string) (*Artifact, error) {
	name, version, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	var row *sql.Row
	if version == latest {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+artifactColumns+` FROM artifacts WHERE name = ? AND `+visible+` ORDER BY version DESC LIMIT 1`, name)
	} else {
		if a, ok := s.cache.Get(name + ":" + version); ok {
			return a, nil
		}
		n, _ := versionNumber(version)
		row = s.db.QueryRowContext(ctx,
			`SELECT `+artifactColumns+` FROM artifacts WHERE name = ? AND version = ?`, name, n)
	}

	a, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrArtifactIO, ref, err)
	}
	s.cache.Add(a.Ref(), a)
	return a, nil
}

// Read copies the blob of ref into dir, replacing any previous copy.
func (s *LocalStore) Read(ctx context.Context, ref, dir string) (string, *Artifact, error) {
	a, err := s.Resolve(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrArtifactIO, err)
	}
	dst := filepath.Join(dir, a.File)
	if err := copyFile(a.Path, dst); err != nil {
		return "", nil, fmt.Errorf("%w: read %s: %v", ErrArtifactIO, a.Ref(), err)
	}
	return dst, a, nil
}

func (s *LocalStore) Write(ctx context.Context, localPath, name, kind, description string, metadata map[string]interface{}) (*Artifact, error) {
	return s.write(ctx, "", localPath, name, kind, description, metadata)
}

// write stores a new version unless the content equals the latest one, in
// which case the latest version is returned.
func (s *LocalStore) write(ctx context.Context, runID, localPath, name, kind, description string, metadata map[string]interface{}) (a *Artifact, err error) {
	if _, _, err := ParseRef(name); err != nil || strings.Contains(name, ":") {
		return nil, fmt.Errorf("%w: invalid artifact name %q", ErrArtifactIO, name)
	}
	if kind == "" {
		return nil, fmt.Errorf("%w: artifact %s has no type", ErrArtifactIO, name)
	}
	digest, err := fileDigest(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactIO, err)
	}
	var meta []byte
	if len(metadata) > 0 {
		if meta, err = json.Marshal(metadata); err != nil {
			return nil, fmt.Errorf("%w: encode metadata: %v", ErrArtifactIO, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Resolve(ctx, name)
	switch {
	case errors.Is(err, ErrNotFound):
		current = nil
	case err != nil:
		return nil, err
	}
	if current != nil && current.Digest == digest && current.Kind == kind {
		return current, nil
	}

	// failed runs keep their version numbers
	var next int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version) + 1, 0) FROM artifacts WHERE name = ?`, name).Scan(&next); err != nil {
		return nil, fmt.Errorf("%w: next version of %s: %v", ErrArtifactIO, name, err)
	}
	version := "v" + strconv.Itoa(next)
	file := filepath.Base(localPath)
	dst := s.blobPath(name, version, file)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactIO, err)
	}
	if err := copyFile(localPath, dst); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrArtifactIO, name, err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(filepath.Dir(dst))
		}
	}()

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		name, next, kind, description, string(meta), file, digest, nullable(runID), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: index %s:%s: %v", ErrArtifactIO, name, version, err)
	}

	a = &Artifact{
		Name:        name,
		Version:     version,
		Kind:        kind,
		Description: description,
		Metadata:    metadata,
		File:        file,
		Path:        dst,
		Digest:      digest,
		RunID:       runID,
		CreatedAt:   now,
	}
	s.cache.Add(a.Ref(), a)
	return a, nil
}

// List returns the versions of name, newest first.
func (s *LocalStore) List(ctx context.Context, name string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrArtifactIO, name, err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrArtifactIO, name, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrArtifactIO, name, err)
	}
	return out, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile writes src to a temp file next to dst and renames it into place.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst))
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
