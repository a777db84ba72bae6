// Package sqlstore implements posts.Store on database/sql. PostgreSQL is
// reachable through lib/pq ("postgres") or pgx ("pgx"); SQLite through
// mattn/go-sqlite3 ("sqlite3").
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/postrelay/internal/posts"
)

//go:embed migrations
var migrationsFS embed.FS

const postColumns = `id, title, content, author_id, created_at, updated_at, idempotency_key`

type dialect struct {
	name       string
	migrations string
	noLimit    string
	rebind     func(string) string
}

var numbered = regexp.MustCompile(`\$(\d+)`)

var dialects = map[string]dialect{
	"postgres": {name: "postgres", migrations: "migrations/postgres", noLimit: "ALL", rebind: func(q string) string { return q }},
	"pgx":      {name: "postgres", migrations: "migrations/postgres", noLimit: "ALL", rebind: func(q string) string { return q }},
	"sqlite3": {name: "sqlite3", migrations: "migrations/sqlite3", noLimit: "-1", rebind: func(q string) string {
		return numbered.ReplaceAllString(q, "?$1")
	}},
}

// Store implements posts.Store backed by a SQL database.
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

var _ posts.Store = (*Store)(nil)

// Open connects to the database, configures the pool and applies pending
// migrations.
func Open(ctx context.Context, driver, databaseURL string) (*Store, error) {
	if _, ok := dialects[driver]; !ok {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(db, driver, true); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return New(db, driver)
}

// New wraps an already opened and migrated database.
func New(db *sql.DB, driver string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	return &Store{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Migrate applies (up) or reverts (down) the embedded schema migrations.
func Migrate(db *sql.DB, driver string, up bool) error {
	d, ok := dialects[driver]
	if !ok {
		return fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	sub, err := fs.Sub(migrationsFS, d.migrations)
	if err != nil {
		return fmt.Errorf("locate migrations: %w", err)
	}
	sourceDriver, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	var dbDriver database.Driver
	switch d.name {
	case "sqlite3":
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	default:
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{})
	}
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, d.name, dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if up {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, in posts.NewPost) (posts.Post, bool, error) {
	now := s.now()
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO posts (title, content, author_id, created_at, updated_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+postColumns),
		in.Title, in.Content, in.AuthorID, createdAt, now, nullString(in.IdempotencyKey),
	)
	post, err := scanPost(row)
	if err == nil {
		return post, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || in.IdempotencyKey == "" {
		return posts.Post{}, false, fmt.Errorf("insert post: %w", err)
	}

	// the key was already applied by an earlier delivery
	row = s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+postColumns+` FROM posts WHERE idempotency_key = $1`), in.IdempotencyKey)
	post, err = scanPost(row)
	if err != nil {
		return posts.Post{}, false, fmt.Errorf("load existing post: %w", err)
	}
	return post, false, nil
}

func (s *Store) Update(ctx context.Context, id int64, patch posts.Patch) (posts.Post, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		UPDATE posts
		SET title = COALESCE($2, title), content = COALESCE($3, content), updated_at = $4
		WHERE id = $1
		RETURNING `+postColumns),
		id, nullStringPtr(patch.Title), nullStringPtr(patch.Content), s.now(),
	)
	return notFound(scanPost(row))
}

func (s *Store) Delete(ctx context.Context, id int64) (posts.Post, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`DELETE FROM posts WHERE id = $1 RETURNING `+postColumns), id)
	return notFound(scanPost(row))
}

func (s *Store) FindByID(ctx context.Context, id int64) (posts.Post, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+postColumns+` FROM posts WHERE id = $1`), id)
	return notFound(scanPost(row))
}

func (s *Store) FindMany(ctx context.Context, q posts.Query) ([]posts.Post, error) {
	limit := s.dialect.noLimit
	if q.Limit > 0 {
		limit = fmt.Sprint(q.Limit)
	}
	offset := max(q.Offset, 0)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+postColumns+` FROM posts ORDER BY id LIMIT `+limit+` OFFSET $1`), offset)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	out := []posts.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (posts.Post, error) {
	var (
		p   posts.Post
		key sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Content, &p.AuthorID, &p.CreatedAt, &p.UpdatedAt, &key); err != nil {
		return posts.Post{}, err
	}
	p.IdempotencyKey = key.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func notFound(p posts.Post, err error) (posts.Post, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return posts.Post{}, posts.ErrNotFound
	}
	return p, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
