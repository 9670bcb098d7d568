// Package configstore persists one JSON document with crash-safe writes and
// a main → backup → default recovery chain.
package configstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ghalamif/PortRelay/internal/fsutil"
)

var (
	ErrIntegrity = errors.New("configstore: integrity hash mismatch")
	ErrVersion   = errors.New("configstore: unsupported envelope version")
)

const (
	EnvelopeVersion = 1
	backupSuffix    = ".bak"
	corruptInfix    = ".corrupt."
)

// Envelope is the on-disk layout.
type Envelope struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"savedAt"`
	Hash    string          `json:"hash"`
	Data    json.RawMessage `json:"data"`
}

// WriteResult describes a completed write.
type WriteResult struct {
	SavedAt time.Time `json:"savedAt"`
	Hash    string    `json:"hash"`
	Bytes   int       `json:"bytes"`
}

// Source tells which tier ReadWithRecovery loaded from.
type Source string

const (
	SourceMain    Source = "main"
	SourceBackup  Source = "backup"
	SourceDefault Source = "default"
)

// Recovery reports what ReadWithRecovery had to do.
type Recovery struct {
	Source   Source
	Archived []string
	// Causes holds why each skipped tier was rejected.
	Causes []error
}

// Store persists a value of type T at Path.
type Store[T any] struct {
	Path   string
	Logger *slog.Logger
	Now    func() time.Time

	mu sync.Mutex
}

// New returns a store for path.
func New[T any](path string, logger *slog.Logger) *Store[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store[T]{Path: path, Logger: logger, Now: time.Now}
}

func (s *Store[T]) BackupPath() string { return s.Path + backupSuffix }

// WriteAtomic replaces the main file and refreshes the backup.
func (s *Store[T]) WriteAtomic(v T) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(v)
}

func (s *Store[T]) write(v T) (WriteResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return WriteResult{}, fmt.Errorf("configstore encode: %w", err)
	}
	hash, err := Digest(data)
	if err != nil {
		return WriteResult{}, err
	}
	env := Envelope{
		Version: EnvelopeVersion,
		SavedAt: s.Now().UTC(),
		Hash:    hash,
		Data:    data,
	}
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return WriteResult{}, fmt.Errorf("configstore encode envelope: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.Path, out, 0o644); err != nil {
		return WriteResult{}, fmt.Errorf("configstore write: %w", err)
	}
	if err := fsutil.CopyFile(s.Path, s.BackupPath()); err != nil {
		s.Logger.Warn("configstore: backup copy failed", "path", s.BackupPath(), "err", err)
	}
	return WriteResult{SavedAt: env.SavedAt, Hash: hash, Bytes: len(out)}, nil
}

// ReadWithRecovery loads the main file, then the backup, then def. A tier
// that exists but fails to parse, verify or validate is archived with a
// timestamp suffix. When the backup wins it is written back as the main
// file; when def wins it is persisted. The returned error is only set when
// that persisting write fails, and the returned value is valid either way.
func (s *Store[T]) ReadWithRecovery(def T, validate func(T) error) (T, Recovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec Recovery
	for _, tier := range []struct {
		path   string
		source Source
	}{{s.Path, SourceMain}, {s.BackupPath(), SourceBackup}} {
		v, err := s.load(tier.path, validate)
		if err == nil {
			rec.Source = tier.source
			if tier.source == SourceBackup {
				s.Logger.Warn("configstore: recovered from backup", "path", s.Path)
				if _, werr := s.write(v); werr != nil {
					return v, rec, werr
				}
			}
			return v, rec, nil
		}
		rec.Causes = append(rec.Causes, fmt.Errorf("%s: %w", tier.source, err))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		archived, aerr := s.archive(tier.path)
		if aerr != nil {
			s.Logger.Error("configstore: archive failed", "path", tier.path, "err", aerr)
			continue
		}
		s.Logger.Warn("configstore: rejected config archived", "path", tier.path, "archive", archived, "err", err)
		rec.Archived = append(rec.Archived, archived)
	}

	rec.Source = SourceDefault
	s.Logger.Warn("configstore: falling back to defaults", "path", s.Path)
	_, err := s.write(def)
	return def, rec, err
}

func (s *Store[T]) load(path string, validate func(T) error) (T, error) {
	var zero T
	raw, err := os.ReadFile(path)
	if err != nil {
		return zero, err
	}
	v, err := Verify[T](raw)
	if err != nil {
		return zero, err
	}
	if validate != nil {
		if err := validate(v); err != nil {
			return zero, fmt.Errorf("validate: %w", err)
		}
	}
	return v, nil
}

// Verify decodes an envelope and checks its integrity hash.
func Verify[T any](raw []byte) (T, error) {
	var zero T
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return zero, fmt.Errorf("%w: %d", ErrVersion, env.Version)
	}
	if len(env.Data) == 0 {
		return zero, fmt.Errorf("%w: empty data", ErrIntegrity)
	}
	hash, err := Digest(env.Data)
	if err != nil {
		return zero, err
	}
	if hash != env.Hash {
		return zero, ErrIntegrity
	}
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return zero, fmt.Errorf("decode data: %w", err)
	}
	return v, nil
}

func (s *Store[T]) archive(path string) (string, error) {
	dst := path + corruptInfix + s.Now().UTC().Format("20060102T150405.000000000Z")
	if err := os.Rename(path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Digest is the sha-256 of the canonical (key-sorted, compact) form of a
// JSON document, so formatting and key order do not affect it.
func Digest(doc []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
