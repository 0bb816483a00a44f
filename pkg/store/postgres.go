package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres stores one JSONB document per conversation and a claim table
// for side-effect idempotency keys.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, runs pending migrations, and returns the store.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if err := migrate(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*Conversation, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM conversations WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	var doc Conversation
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &doc, nil
}

func (p *Postgres) Put(ctx context.Context, doc *Conversation) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	doc.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", doc.ID, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO conversations (id, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		doc.ID, raw)
	if err != nil {
		return fmt.Errorf("put conversation %s: %w", doc.ID, err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, id string, fn func(*Conversation) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM conversations WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock conversation %s: %w", id, err)
	}

	var doc Conversation
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode conversation %s: %w", id, err)
	}
	if err := fn(&doc); err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET doc = $2, updated_at = now() WHERE id = $1`, id, updated); err != nil {
		return fmt.Errorf("write conversation %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit conversation %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) ClaimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, created_at)
		VALUES ($1, now())
		ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
