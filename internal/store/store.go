package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/linalg"
	"github.com/andresmejia3/facebank/internal/types"
)

// Store keeps the gallery in PostgreSQL, one row per gallery entry, using pgvector.
type Store struct {
	pool     *pgxpool.Pool
	location string
}

var _ gallery.Storage = (*Store)(nil)

// Closest is the nearest stored row for a query.
type Closest struct {
	Position int
	Name     string
	Distance float64 // squared Euclidean
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	cc := pool.Config().ConnConfig
	return &Store{pool: pool, location: fmt.Sprintf("postgres://%s:%d/%s", cc.Host, cc.Port, cc.Database)}, nil
}

// initSchema creates the vector extension and gallery table if they don't exist.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS facebank_identities (
			position  INT PRIMARY KEY,
			name      TEXT NOT NULL,
			embedding VECTOR NOT NULL
		);
	`)
	return err
}

// Close terminates the database connections.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Location() string { return s.location }

// Load reads every row in position order.
func (s *Store) Load(ctx context.Context) (*gallery.Snapshot, error) {
	rows, err := s.pool.Query(ctx, "SELECT name, embedding::text FROM facebank_identities ORDER BY position")
	if err != nil {
		return nil, &types.GalleryLoadError{Path: s.location, Err: err}
	}
	defer rows.Close()

	var names []string
	var embs [][]float32
	for rows.Next() {
		var name string
		var vec pgvector.Vector
		if err := rows.Scan(&name, &vec); err != nil {
			return nil, &types.GalleryLoadError{Path: s.location, Err: err}
		}
		names = append(names, name)
		embs = append(embs, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, &types.GalleryLoadError{Path: s.location, Err: err}
	}

	m, err := linalg.FromRows(embs)
	if err != nil {
		return nil, &types.GalleryLoadError{Path: s.location, Err: err}
	}
	snap, err := gallery.NewSnapshot(names, m)
	if err != nil {
		return nil, &types.GalleryLoadError{Path: s.location, Err: err}
	}
	return snap, nil
}

// Save replaces the stored gallery with snap in a single transaction.
func (s *Store) Save(ctx context.Context, snap *gallery.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM facebank_identities"); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i := 0; i < snap.Len(); i++ {
		batch.Queue(
			"INSERT INTO facebank_identities (position, name, embedding) VALUES ($1, $2, $3::vector)",
			i, snap.Name(i), pgvector.NewVector(snap.Matrix().Row(i)),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert identities: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Clear removes every stored row but keeps the schema.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE facebank_identities")
	return err
}

// FindClosest searches for the nearest row server-side. pgvector's <-> is the
// plain Euclidean distance, so it is squared before the threshold applies.
// Position is -1 if nothing lies within threshold.
func (s *Store) FindClosest(ctx context.Context, vec []float32, threshold float64) (Closest, error) {
	var c Closest
	var dist float64
	err := s.pool.QueryRow(ctx, `
		SELECT position, name, embedding <-> $1::vector
		FROM facebank_identities
		ORDER BY embedding <-> $1::vector, position
		LIMIT 1
	`, pgvector.NewVector(vec)).Scan(&c.Position, &c.Name, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return Closest{Position: -1, Distance: math.Inf(1)}, nil
	}
	if err != nil {
		return Closest{}, err
	}

	c.Distance = dist * dist
	if c.Distance > threshold {
		return Closest{Position: -1, Distance: c.Distance}, nil
	}
	return c, nil
}

// Reset drops the gallery table to force a schema refresh.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS facebank_identities CASCADE")
	return err
}
