package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS selector_requests (
    id          uuid PRIMARY KEY,
    received_at timestamptz NOT NULL,
    source      text NOT NULL,
    accounts    jsonb NOT NULL,
    owners      jsonb NOT NULL,
    accepted    boolean NOT NULL,
    error       text
);
CREATE INDEX IF NOT EXISTS selector_requests_received_at ON selector_requests (received_at DESC);
`

// Migrate creates the history table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) RecordSelectorRequest(ctx context.Context, req SelectorRequest) (SelectorRequest, error) {
	id := uuid.New()
	if req.ID != "" {
		parsed, err := uuid.Parse(req.ID)
		if err != nil {
			return SelectorRequest{}, fmt.Errorf("request id: %w", err)
		}
		id = parsed
	}
	req.ID = id.String()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}
	accounts, _ := json.Marshal(nonNil(req.Accounts))
	owners, _ := json.Marshal(nonNil(req.Owners))
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO selector_requests (id, received_at, source, accounts, owners, accepted, error) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, req.ReceivedAt, req.Source, accounts, owners, req.Accepted, nullIfEmpty(req.Error))
	if err != nil {
		return SelectorRequest{}, err
	}
	return req, nil
}

func (p *Postgres) ListSelectorRequests(ctx context.Context, limit int) ([]SelectorRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id::text, received_at, source, accounts, owners, accepted, COALESCE(error, '') FROM selector_requests ORDER BY received_at DESC LIMIT $1`,
		clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []SelectorRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSelectorRequest(ctx context.Context, id string) (SelectorRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return SelectorRequest{}, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx,
		`SELECT id::text, received_at, source, accounts, owners, accepted, COALESCE(error, '') FROM selector_requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SelectorRequest{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (SelectorRequest, error) {
	var (
		r                SelectorRequest
		accounts, owners []byte
	)
	if err := s.Scan(&r.ID, &r.ReceivedAt, &r.Source, &accounts, &owners, &r.Accepted, &r.Error); err != nil {
		return SelectorRequest{}, err
	}
	if err := json.Unmarshal(accounts, &r.Accounts); err != nil {
		return SelectorRequest{}, fmt.Errorf("decode accounts: %w", err)
	}
	if err := json.Unmarshal(owners, &r.Owners); err != nil {
		return SelectorRequest{}, fmt.Errorf("decode owners: %w", err)
	}
	return r, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
