// Package commit orchestrates the write path for clinical records: each
// commit canonicalizes the payload, asks the ledger for a hash, persists
// through the Store collaborator, and only then advances the global chain.
package commit

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/ledger"
)

// CommitResult summarises one durable commit.
type CommitResult struct {
	RecordID     string `json:"record_id"`
	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash"`
	BlockHeight  int    `json:"block_height"`
	MerkleRoot   string `json:"merkle_root,omitempty"`
}

// Service is the only caller of ledger generation and append on the write
// path.
type Service struct {
	ledger *ledger.Ledger
	store  Store
	logger zerolog.Logger
}

// NewService creates a commit service over the given ledger and store.
func NewService(l *ledger.Ledger, store Store, logger zerolog.Logger) *Service {
	return &Service{
		ledger: l,
		store:  store,
		logger: logger.With().Str("component", "commit").Logger(),
	}
}

// Commit turns one payload into a committed, hashed record revision. When
// recordID is empty a new record is created; otherwise the stored hash of
// the existing record becomes the lineage previous hash of the new
// revision. The chain is only advanced after the store acknowledges
// persistence; on persistence failure the generated hash is discarded and
// the caller's job is retried.
func (s *Service) Commit(ctx context.Context, resourceType, recordID string, payload map[string]any) (*CommitResult, error) {
	var previousHash string
	if recordID != "" {
		meta, err := s.store.GetHashMetadata(ctx, recordID)
		switch {
		case err == nil:
			previousHash = meta.Hash
		case errors.Is(err, ErrNotFound):
			// First revision committed under a caller-assigned id.
		default:
			return nil, fmt.Errorf("lookup lineage for %s: %w", recordID, err)
		}
	}

	rec, err := s.ledger.Generate(payload, previousHash, false)
	if err != nil {
		return nil, err
	}

	meta := ledger.HashMeta{
		Hash:         rec.ResourceHash,
		PreviousHash: rec.PreviousHash,
		ChainLink:    rec.ChainLink,
		Nonce:        rec.Nonce,
		Timestamp:    rec.Timestamp,
	}

	id := recordID
	if previousHash == "" {
		if id, err = s.store.Create(ctx, resourceType, recordID, payload, meta); err != nil {
			return nil, fmt.Errorf("persist new record: %w", err)
		}
	} else {
		if err := s.store.Update(ctx, recordID, payload, meta, previousHash); err != nil {
			return nil, fmt.Errorf("persist revision of %s: %w", recordID, err)
		}
	}

	// Persistence acknowledged: the commit is durable, advance the chain.
	height := s.ledger.Append(rec)

	s.logger.Debug().
		Str("record_id", id).
		Str("hash", rec.ResourceHash).
		Int("block_height", height).
		Msg("record committed")

	return &CommitResult{
		RecordID:     id,
		Hash:         rec.ResourceHash,
		PreviousHash: rec.PreviousHash,
		BlockHeight:  height,
		MerkleRoot:   rec.MerkleRoot,
	}, nil
}

// VerifyRecord replays the hash computation for a stored record and reports
// whether its persisted payload still matches the stored hash. A tampered
// result carries both hashes for forensic comparison and wraps
// ledger.ErrChainIntegrity so callers can branch on it.
func (s *Service) VerifyRecord(ctx context.Context, recordID string) (ledger.VerificationResult, error) {
	meta, err := s.store.GetHashMetadata(ctx, recordID)
	if err != nil {
		return ledger.VerificationResult{}, fmt.Errorf("load hash metadata for %s: %w", recordID, err)
	}
	payload, err := s.store.GetPayload(ctx, recordID)
	if err != nil {
		return ledger.VerificationResult{}, fmt.Errorf("load payload for %s: %w", recordID, err)
	}

	res := s.ledger.Verify(payload, meta.Hash, meta.PreviousHash, meta)
	if res.Tampered {
		s.logger.Error().
			Str("record_id", recordID).
			Str("stored_hash", res.StoredHash).
			Str("current_hash", res.CurrentHash).
			Msg("record failed integrity verification")
		return res, fmt.Errorf("record %s: %w", recordID, ledger.ErrChainIntegrity)
	}
	return res, nil
}

// Ledger exposes the underlying ledger for read-only chain operations.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}
