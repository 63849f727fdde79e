package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG creates a Postgres-backed Store over the clinical_record table.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// transient wraps driver-level failures so the worker pool retries them.
// A missing row is not transient; retrying cannot fix it.
func transient(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransientStore, op, err)
}

func (s *storePG) Create(ctx context.Context, resourceType, recordID string, payload map[string]any, meta ledger.HashMeta) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	id := uuid.New()
	if recordID != "" {
		if id, err = uuid.Parse(recordID); err != nil {
			return "", fmt.Errorf("record id %q is not a valid UUID: %w", recordID, err)
		}
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO clinical_record (id, resource_type, payload, hash, previous_hash, chain_link, nonce, hashed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, resourceType, body, meta.Hash, meta.PreviousHash, meta.ChainLink, meta.Nonce, meta.Timestamp)
	if err != nil {
		return "", transient("create record", err)
	}
	return id.String(), nil
}

func (s *storePG) Update(ctx context.Context, recordID string, payload map[string]any, meta ledger.HashMeta, priorHash string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE clinical_record
		SET payload=$2, hash=$3, previous_hash=$4, chain_link=$5, nonce=$6, hashed_at=$7, updated_at=NOW()
		WHERE id = $1 AND ($8 = '' OR hash = $8)`,
		recordID, body, meta.Hash, meta.PreviousHash, meta.ChainLink, meta.Nonce, meta.Timestamp, priorHash)
	if err != nil {
		return transient("update record", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	return nil
}

func (s *storePG) GetHashMetadata(ctx context.Context, recordID string) (ledger.HashMeta, error) {
	var meta ledger.HashMeta
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT hash, previous_hash, chain_link, nonce, hashed_at
		FROM clinical_record WHERE id = $1`, recordID).
		Scan(&meta.Hash, &meta.PreviousHash, &meta.ChainLink, &meta.Nonce, &meta.Timestamp)
	if err != nil {
		return ledger.HashMeta{}, transient("get hash metadata", err)
	}
	return meta, nil
}

func (s *storePG) GetPayload(ctx context.Context, recordID string) (map[string]any, error) {
	var body []byte
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT payload FROM clinical_record WHERE id = $1`, recordID).Scan(&body)
	if err != nil {
		return nil, transient("get payload", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}
