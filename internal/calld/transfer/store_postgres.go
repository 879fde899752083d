package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in Postgres so transfers survive a
// daemon restart.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTransferSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTransferSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			initiator_uuid TEXT NOT NULL DEFAULT '',
			initiator_call TEXT NOT NULL,
			transferred_call TEXT NOT NULL,
			recipient_call TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			flow TEXT NOT NULL,
			dial_context TEXT NOT NULL DEFAULT '',
			dial_exten TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_initiator_call ON transfers (initiator_call);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init transfer schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transfer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, initiator_uuid, initiator_call, transferred_call, recipient_call, status, flow, dial_context, dial_exten, created_at
		 FROM transfers WHERE id = $1`, id)
	return scanTransferRow(row)
}

func (s *PostgresStore) GetByCall(ctx context.Context, callID string) (*Transfer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, initiator_uuid, initiator_call, transferred_call, recipient_call, status, flow, dial_context, dial_exten, created_at
		 FROM transfers
		 WHERE initiator_call = $1 OR transferred_call = $1 OR recipient_call = $1
		 LIMIT 1`, callID)
	return scanTransferRow(row)
}

func (s *PostgresStore) Upsert(ctx context.Context, t *Transfer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transfers (
			id, initiator_uuid, initiator_call, transferred_call, recipient_call, status, flow, dial_context, dial_exten, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			initiator_uuid=EXCLUDED.initiator_uuid,
			initiator_call=EXCLUDED.initiator_call,
			transferred_call=EXCLUDED.transferred_call,
			recipient_call=EXCLUDED.recipient_call,
			status=EXCLUDED.status,
			flow=EXCLUDED.flow,
			dial_context=EXCLUDED.dial_context,
			dial_exten=EXCLUDED.dial_exten`,
		t.ID, t.InitiatorUUID, t.InitiatorCall, t.TransferredCall, t.RecipientCall,
		string(t.Status), string(t.Flow), t.DialContext, t.DialExten, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert transfer %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM transfers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("remove transfer %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Transfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, initiator_uuid, initiator_call, transferred_call, recipient_call, status, flow, dial_context, dial_exten, created_at
		 FROM transfers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []*Transfer
	for rows.Next() {
		t, err := scanTransferRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanTransferRow(row pgx.Row) (*Transfer, error) {
	var t Transfer
	var status, flow string
	err := row.Scan(&t.ID, &t.InitiatorUUID, &t.InitiatorCall, &t.TransferredCall,
		&t.RecipientCall, &status, &flow, &t.DialContext, &t.DialExten, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transfer: %w", err)
	}
	parsed, ok := ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("transfer %s has unknown status %q", t.ID, status)
	}
	t.Status = parsed
	t.Flow = Flow(flow)
	return &t, nil
}

var _ Store = (*PostgresStore)(nil)
