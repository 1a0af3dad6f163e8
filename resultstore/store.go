// Package resultstore caches image analyses in a SQLite database, keyed by the image
// path and the prompt used.
package resultstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var currentSchema string

var schema = &squibble.Schema{
	Current: currentSchema,
}

// ErrNotFound is returned by Lookup when no analysis is stored for the key.
var ErrNotFound = errors.New("analysis not found")

// Record is one stored analysis.
type Record struct {
	CreatedAt      time.Time
	ID             string
	ImagePath      string
	Prompt         string
	Response       string
	ProcessingTime time.Duration
}

// Store is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the database at path and brings its schema up to date.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer, and every connection to :memory: is a new database
	db.SetMaxOpenConns(1)
	if err = db.PingContext(ctx); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	if err = schema.Apply(ctx, db); err != nil {
		return nil, errors.Join(fmt.Errorf("applying schema to %s: %w", path, err), db.Close())
	}
	log.Debug().Str("path", path).Msg("opened result store")
	return &Store{db: db, path: path}, nil
}

// Lookup returns the analysis of imagePath with prompt.
func (s *Store) Lookup(ctx context.Context, imagePath, prompt string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, image_path, prompt, response, processing_ns, created_at
		FROM analyses
		WHERE image_path=? AND prompt=?`, imagePath, prompt)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Save stores r, replacing an earlier analysis of the same image and prompt. An empty
// ID is assigned a new uuid and a zero CreatedAt is set to now.
func (s *Store) Save(ctx context.Context, r *Record) error {
	if r.ImagePath == "" {
		return errors.New("record has no image path")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO analyses (id, image_path, prompt, response, processing_ns, created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (image_path, prompt) DO UPDATE SET
			response=excluded.response,
			processing_ns=excluded.processing_ns,
			created_at=excluded.created_at
		RETURNING id`,
		r.ID, r.ImagePath, r.Prompt, r.Response, r.ProcessingTime.Nanoseconds(), r.CreatedAt)
	// an update keeps the id of the existing row
	return row.Scan(&r.ID)
}

// List returns every stored analysis, oldest first.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, image_path, prompt, response, processing_ns, created_at
		FROM analyses
		ORDER BY created_at, image_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyses: %w", err)
	}
	return records, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	r := &Record{}
	var processingNS int64
	if err := row.Scan(&r.ID, &r.ImagePath, &r.Prompt, &r.Response, &processingNS, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.ProcessingTime = time.Duration(processingNS)
	return r, nil
}
