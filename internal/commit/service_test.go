package commit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/ledger"
)

func newTestService() (*Service, *InMemoryStore) {
	store := NewInMemoryStore()
	l := ledger.New(zerolog.Nop())
	return NewService(l, store, zerolog.Nop()), store
}

// =========== Failing Store ===========

// failingStore rejects every persistence call with a transient error.
type failingStore struct{}

func (f *failingStore) Create(context.Context, string, string, map[string]any, ledger.HashMeta) (string, error) {
	return "", fmt.Errorf("%w: connection refused", ErrTransientStore)
}

func (f *failingStore) Update(context.Context, string, map[string]any, ledger.HashMeta, string) error {
	return fmt.Errorf("%w: connection refused", ErrTransientStore)
}

func (f *failingStore) GetHashMetadata(context.Context, string) (ledger.HashMeta, error) {
	return ledger.HashMeta{}, fmt.Errorf("%w: no metadata", ErrNotFound)
}

func (f *failingStore) GetPayload(context.Context, string) (map[string]any, error) {
	return nil, fmt.Errorf("%w: no payload", ErrNotFound)
}

// =========== Commit Tests ===========

func TestCommit_NewRecord(t *testing.T) {
	svc, _ := newTestService()
	res, err := svc.Commit(context.Background(), "Observation", "", map[string]any{"hr": 70})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RecordID == "" {
		t.Error("expected assigned record id")
	}
	if len(res.Hash) != 64 {
		t.Errorf("expected 64-char hash, got %d chars", len(res.Hash))
	}
	if res.PreviousHash != "" {
		t.Errorf("first revision must have empty lineage previous, got %s", res.PreviousHash)
	}
	if res.BlockHeight != 1 {
		t.Errorf("expected block height 1, got %d", res.BlockHeight)
	}
}

func TestCommit_ThreeRevisions(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first, err := svc.Commit(ctx, "Observation", "", map[string]any{"hr": 70})
	if err != nil {
		t.Fatalf("revision 1: unexpected error: %v", err)
	}
	second, err := svc.Commit(ctx, "Observation", first.RecordID, map[string]any{"hr": 72})
	if err != nil {
		t.Fatalf("revision 2: unexpected error: %v", err)
	}
	third, err := svc.Commit(ctx, "Observation", first.RecordID, map[string]any{"hr": 75})
	if err != nil {
		t.Fatalf("revision 3: unexpected error: %v", err)
	}

	if svc.Ledger().Height() != 3 {
		t.Errorf("expected chain length 3, got %d", svc.Ledger().Height())
	}
	if second.PreviousHash != first.Hash {
		t.Error("revision 2 previous hash must equal revision 1 hash")
	}
	if third.PreviousHash != second.Hash {
		t.Error("revision 3 previous hash must equal revision 2 hash")
	}
	for i, res := range []*CommitResult{first, second, third} {
		if res.BlockHeight != i+1 {
			t.Errorf("revision %d: expected block height %d, got %d", i+1, i+1, res.BlockHeight)
		}
	}
}

func TestCommit_PersistFailureNeverAdvancesChain(t *testing.T) {
	l := ledger.New(zerolog.Nop())
	svc := NewService(l, &failingStore{}, zerolog.Nop())

	_, err := svc.Commit(context.Background(), "Observation", "", map[string]any{"hr": 70})
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if !errors.Is(err, ErrTransientStore) {
		t.Errorf("expected transient store error, got %v", err)
	}
	if l.Height() != 0 {
		t.Fatalf("chain must not advance for a record that failed to persist; height = %d", l.Height())
	}
}

func TestCommit_CallerAssignedID(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	res, err := svc.Commit(ctx, "Observation", "dev-assigned-1", map[string]any{"hr": 70})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PreviousHash != "" {
		t.Error("record unknown to the store must commit as a first revision")
	}
	if res.RecordID != "dev-assigned-1" {
		t.Errorf("caller-assigned id must round-trip, got %s", res.RecordID)
	}

	second, err := svc.Commit(ctx, "Observation", "dev-assigned-1", map[string]any{"hr": 74})
	if err != nil {
		t.Fatalf("revision 2: unexpected error: %v", err)
	}
	if second.PreviousHash != res.Hash {
		t.Error("revision under a caller-assigned id must chain to the first revision")
	}
}

// =========== Verify Tests ===========

func TestVerifyRecord_Intact(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	res, err := svc.Commit(ctx, "Observation", "", map[string]any{"hr": 70})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vr, err := svc.VerifyRecord(ctx, res.RecordID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vr.Tampered || !vr.IsValid {
		t.Errorf("intact record reported tampered: %s", vr.Message)
	}
}

func TestVerifyRecord_MutatedPayload(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	first, _ := svc.Commit(ctx, "Observation", "", map[string]any{"hr": 70})
	second, err := svc.Commit(ctx, "Observation", first.RecordID, map[string]any{"hr": 72})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = second

	// Tamper with the persisted payload behind the ledger's back.
	if err := store.MutatePayload(first.RecordID, "hr", 99); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vr, err := svc.VerifyRecord(ctx, first.RecordID)
	if err == nil {
		t.Fatal("expected chain integrity error for mutated payload")
	}
	if !errors.Is(err, ledger.ErrChainIntegrity) {
		t.Errorf("expected ErrChainIntegrity, got %v", err)
	}
	if !vr.Tampered {
		t.Error("expected tampered=true for mutated payload")
	}
	if vr.CurrentHash == "" || vr.StoredHash == "" {
		t.Error("tampered result must surface both hashes for forensics")
	}
}

func TestVerifyRecord_UnknownRecord(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.VerifyRecord(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown record")
	}
}

// =========== Concurrency Tests ===========

func TestCommit_ConcurrentNewRecords(t *testing.T) {
	svc, _ := newTestService()
	const n = 32

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := svc.Commit(context.Background(), "Observation", "", map[string]any{"seq": i})
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("commit %d: unexpected error: %v", i, err)
		}
	}
	if svc.Ledger().Height() != n {
		t.Fatalf("expected chain of exactly %d entries, got %d", n, svc.Ledger().Height())
	}
}
