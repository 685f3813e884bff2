// Package mariadb reads and updates a corpus kept in an existing MySQL or
// MariaDB images table (id, url, timestamp, num_of_matches).
package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kozaktomas/imgmatch/internal/database"
)

// Pool manages a MariaDB connection pool.
type Pool struct {
	db *sql.DB
}

// normalizeDSN makes the driver return DATETIME columns as UTC time.Time.
func normalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid MariaDB DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// NewPool creates a new MariaDB connection pool.
func NewPool(dsn string) (*Pool, error) {
	if dsn == "" {
		return nil, errors.New("MariaDB DSN is required")
	}
	dsn, err := normalizeDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MariaDB: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MariaDB: %w", err)
	}

	return &Pool{db: db}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}

// EnsureSchema creates the images table if it does not exist yet.
func (p *Pool) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS images (
			id INT AUTO_INCREMENT PRIMARY KEY,
			url VARCHAR(2048) NOT NULL,
			timestamp DATETIME NOT NULL,
			num_of_matches INT NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("create images table: %w", err)
	}
	return nil
}

// Initialize connects to the legacy corpus and registers it as the corpus
// override. The descriptor cache stays with the primary backend.
func Initialize(dsn string) (*Pool, error) {
	pool, err := NewPool(dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pool.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	corpus := NewCorpusRepository(pool)
	database.RegisterCorpusOverride(func() database.CorpusWriter { return corpus })
	return pool, nil
}

// CorpusRepository maps the legacy images table to corpus entries. The
// integer primary key doubles as identifier and insertion order.
type CorpusRepository struct {
	pool *Pool
}

// NewCorpusRepository creates a new legacy corpus repository
func NewCorpusRepository(pool *Pool) *CorpusRepository {
	return &CorpusRepository{pool: pool}
}

func scanEntry(row interface{ Scan(...any) error }) (*database.Entry, error) {
	var e database.Entry
	var id int64
	if err := row.Scan(&id, &e.Address, &e.CreatedAt, &e.MatchCount); err != nil {
		return nil, err
	}
	e.ID = strconv.FormatInt(id, 10)
	e.Seq = id
	return &e, nil
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("image %s: %w", id, database.ErrNotFound)
	}
	return n, nil
}

// List returns every entry ordered by id
func (r *CorpusRepository) List(ctx context.Context) ([]database.Entry, error) {
	rows, err := r.pool.db.QueryContext(ctx, "SELECT id, url, timestamp, num_of_matches FROM images ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var entries []database.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return entries, nil
}

// Get retrieves an entry by identifier
func (r *CorpusRepository) Get(ctx context.Context, id string) (*database.Entry, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	row := r.pool.db.QueryRowContext(ctx, "SELECT id, url, timestamp, num_of_matches FROM images WHERE id = ?", n)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %s: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query image: %w", err)
	}
	return e, nil
}

// Count returns the number of entries
func (r *CorpusRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM images").Scan(&count); err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return count, nil
}

// Add ingests a new entry with a zero match counter
func (r *CorpusRepository) Add(ctx context.Context, address string) (*database.Entry, error) {
	if address == "" {
		return nil, database.ErrEmptyAddress
	}
	now := time.Now().UTC().Truncate(time.Second)
	res, err := r.pool.db.ExecContext(ctx,
		"INSERT INTO images (url, timestamp, num_of_matches) VALUES (?, ?, 0)", address, now)
	if err != nil {
		return nil, fmt.Errorf("insert image: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert image: %w", err)
	}
	return &database.Entry{
		ID:        strconv.FormatInt(id, 10),
		Address:   address,
		CreatedAt: now,
		Seq:       id,
	}, nil
}

// IncrementMatchCount adds one to the entry's match counter
func (r *CorpusRepository) IncrementMatchCount(ctx context.Context, id string) error {
	n, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := r.pool.db.ExecContext(ctx, "UPDATE images SET num_of_matches = num_of_matches + 1 WHERE id = ?", n)
	if err != nil {
		return fmt.Errorf("increment match count: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment match count: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("image %s: %w", id, database.ErrNotFound)
	}
	return nil
}
