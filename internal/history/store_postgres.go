package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	id "collateraloracle/pkg/domain"
	"collateraloracle/pkg/platform/sentinel"
	txcontext "collateraloracle/pkg/platform/tx"
)

const uniqueViolation = "23505"

// Schema creates the tables PostgresStore needs. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS ownership_events (
	event_id           TEXT PRIMARY KEY,
	asset_id           TEXT NOT NULL,
	seq                BIGINT NOT NULL,
	kind               TEXT NOT NULL,
	actor              TEXT NOT NULL,
	occurred_at        TIMESTAMPTZ NOT NULL,
	preceding_event_id TEXT NOT NULL DEFAULT '',
	chain_proof        BYTEA,
	payload            JSONB NOT NULL,
	UNIQUE (asset_id, seq)
);
CREATE INDEX IF NOT EXISTS ownership_events_kind_idx ON ownership_events (kind, asset_id);

CREATE TABLE IF NOT EXISTS asset_heads (
	asset_id    TEXT PRIMARY KEY,
	event_id    TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	seq         BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS owner_assets (
	owner    TEXT NOT NULL,
	asset_id TEXT NOT NULL,
	first_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner, asset_id)
);
`

// PostgresStore persists the log in PostgreSQL. Appends lock the asset's
// head row, and the (asset_id, seq) constraint catches racing first appends.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate history schema: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) queryer(ctx context.Context) queryer {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, evt OwnershipEvent, opts ...AppendOption) (OwnershipEvent, error) {
	if err := ctx.Err(); err != nil {
		return OwnershipEvent{}, err
	}
	var stored OwnershipEvent
	err := txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var (
			head   id.EventID
			headAt time.Time
			seq    int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT event_id, occurred_at, seq FROM asset_heads WHERE asset_id = $1 FOR UPDATE`,
			string(evt.AssetID),
		).Scan(&head, &headAt, &seq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock asset head: %w", err)
		}

		stored, err = seal(evt, head, headAt, resolveOptions(opts))
		if err != nil {
			return err
		}
		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		seq++

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ownership_events (
				event_id, asset_id, seq, kind, actor, occurred_at,
				preceding_event_id, chain_proof, payload
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			string(stored.EventID), string(stored.AssetID), seq, string(stored.Kind), stored.Actor,
			stored.Timestamp, string(stored.PrecedingEventID), stored.ChainProof, string(payload),
		); err != nil {
			if isUniqueViolation(err) {
				return ErrHeadMoved
			}
			return fmt.Errorf("insert event: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO asset_heads (asset_id, event_id, occurred_at, seq)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (asset_id) DO UPDATE SET
				event_id = EXCLUDED.event_id,
				occurred_at = EXCLUDED.occurred_at,
				seq = EXCLUDED.seq`,
			string(stored.AssetID), string(stored.EventID), stored.Timestamp, seq,
		); err != nil {
			return fmt.Errorf("advance asset head: %w", err)
		}

		if stored.Kind == KindTransfer {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO owner_assets (owner, asset_id, first_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (owner, asset_id) DO UPDATE SET
					first_at = LEAST(owner_assets.first_at, EXCLUDED.first_at)`,
				id.NormalizeOwner(stored.Actor), string(stored.AssetID), stored.Timestamp,
			); err != nil {
				return fmt.Errorf("index owner: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return OwnershipEvent{}, err
	}
	return stored.Clone(), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *PostgresStore) Head(ctx context.Context, assetID id.AssetID) (id.EventID, error) {
	var head string
	err := s.queryer(ctx).QueryRowContext(ctx,
		`SELECT event_id FROM asset_heads WHERE asset_id = $1`, string(assetID),
	).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read asset head: %w", err)
	}
	return id.EventID(head), nil
}

func (s *PostgresStore) Get(ctx context.Context, eventID id.EventID) (OwnershipEvent, error) {
	var payload, proof []byte
	err := s.queryer(ctx).QueryRowContext(ctx,
		`SELECT payload, chain_proof FROM ownership_events WHERE event_id = $1`, string(eventID),
	).Scan(&payload, &proof)
	if errors.Is(err, sql.ErrNoRows) {
		return OwnershipEvent{}, sentinel.ErrNotFound
	}
	if err != nil {
		return OwnershipEvent{}, fmt.Errorf("get event: %w", err)
	}
	return decodeRow(payload, proof)
}

// decodeRow rebuilds an event. The BYTEA column is authoritative for the
// proof bytes.
func decodeRow(payload, proof []byte) (OwnershipEvent, error) {
	var evt OwnershipEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return OwnershipEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	evt.ChainProof = nil
	if len(proof) > 0 {
		evt.ChainProof = append([]byte(nil), proof...)
	}
	return evt, nil
}

func (s *PostgresStore) EventsFor(ctx context.Context, assetID id.AssetID, upto id.AsOf) ([]OwnershipEvent, error) {
	rows, err := s.queryer(ctx).QueryContext(ctx,
		`SELECT payload, chain_proof FROM ownership_events WHERE asset_id = $1 ORDER BY seq`,
		string(assetID),
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []OwnershipEvent
	for rows.Next() {
		var payload, proof []byte
		if err := rows.Scan(&payload, &proof); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt, err := decodeRow(payload, proof)
		if err != nil {
			return nil, err
		}
		if !upto.Includes(evt.Timestamp) {
			break
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) OwnerAssets(ctx context.Context, owner string, upto id.AsOf) ([]id.AssetID, error) {
	query := `SELECT asset_id FROM owner_assets WHERE owner = $1 ORDER BY asset_id`
	args := []any{id.NormalizeOwner(owner)}
	if t, pinned := upto.Time(); pinned {
		query = `SELECT asset_id FROM owner_assets WHERE owner = $1 AND first_at <= $2 ORDER BY asset_id`
		args = append(args, t)
	}
	return s.listAssets(ctx, query, args...)
}

func (s *PostgresStore) AssetsWithKind(ctx context.Context, kinds ...Kind) ([]id.AssetID, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return s.listAssets(ctx,
		`SELECT DISTINCT asset_id FROM ownership_events WHERE kind = ANY($1) ORDER BY asset_id`,
		pq.Array(names),
	)
}

func (s *PostgresStore) listAssets(ctx context.Context, query string, args ...any) ([]id.AssetID, error) {
	rows, err := s.queryer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []id.AssetID
	for rows.Next() {
		var assetID string
		if err := rows.Scan(&assetID); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, id.AssetID(assetID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return out, nil
}
