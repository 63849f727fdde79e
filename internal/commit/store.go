package commit

import (
	"context"
	"errors"

	"github.com/medledger/medledger/internal/ledger"
)

var (
	// ErrNotFound indicates the record does not exist in the store.
	ErrNotFound = errors.New("commit: record not found")
	// ErrTransientStore indicates a persistence call failed in a way that
	// is expected to succeed on retry (timeout, connection loss).
	ErrTransientStore = errors.New("commit: transient store failure")
)

// Store is the persistence collaborator for committed records. The commit
// pipeline never assumes a specific storage engine; it relies only on
// these four operations.
type Store interface {
	// Create persists a new record with its hash metadata, returning the
	// record id. recordID may be empty; the store then assigns one.
	Create(ctx context.Context, resourceType, recordID string, payload map[string]any, meta ledger.HashMeta) (string, error)
	// Update persists a new revision of an existing record. priorHash is
	// the stored hash the caller based the revision on.
	Update(ctx context.Context, recordID string, payload map[string]any, meta ledger.HashMeta, priorHash string) error
	// GetHashMetadata returns the hash metadata stored with the record's
	// current revision.
	GetHashMetadata(ctx context.Context, recordID string) (ledger.HashMeta, error)
	// GetPayload returns the record's current payload.
	GetPayload(ctx context.Context, recordID string) (map[string]any, error)
}
