// Package ledger implements the tamper-evident hash chain that backs every
// committed clinical record: deterministic canonicalization, per-record
// lineage hashing, global append-only sequencing, Merkle batching, and
// read-only tamper verification.
package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Algorithm identifies the digest algorithm recorded in chain exports.
const Algorithm = "SHA-256"

// genesisPayload is the fixed bootstrap payload hashed to seed the chain.
var genesisPayload = map[string]any{
	"ledger":  "medledger",
	"purpose": "clinical-telemetry-integrity",
	"version": 1,
}

var hexDigestRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// HashMeta is the stored hash metadata for one record revision, as returned
// by the persistence collaborator. ChainLink recovers the exact value that
// was mixed into the digest at generation time.
type HashMeta struct {
	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash"`
	ChainLink    string `json:"chain_link"`
	Nonce        string `json:"nonce"`
	Timestamp    string `json:"timestamp"`
}

// Ledger owns the genesis hash and the append-only global chain. It is the
// single writer for chain state; all appends go through one mutex-guarded
// critical section.
type Ledger struct {
	mu          sync.Mutex
	genesisHash string
	chain       []string
	createdAt   time.Time
	logger      zerolog.Logger
}

// New creates a Ledger seeded with the deterministic genesis hash.
func New(logger zerolog.Logger) *Ledger {
	canonical, _ := Canonicalize(genesisPayload)
	sum := sha256.Sum256(canonical)
	return &Ledger{
		genesisHash: hex.EncodeToString(sum[:]),
		createdAt:   time.Now().UTC(),
		logger:      logger.With().Str("component", "ledger").Logger(),
	}
}

// GenesisHash returns the deterministic bootstrap hash.
func (l *Ledger) GenesisHash() string {
	return l.genesisHash
}

// Height returns the current chain length.
func (l *Ledger) Height() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chain)
}

// Tail returns the hash of the most recently appended chain entry, or the
// genesis hash when the chain is empty.
func (l *Ledger) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailLocked()
}

func (l *Ledger) tailLocked() string {
	if len(l.chain) == 0 {
		return l.genesisHash
	}
	return l.chain[len(l.chain)-1]
}

// computeDigest is the single digest function behind Generate and Verify:
// SHA256(canonical ‖ chainLink ‖ timestamp ‖ nonce), lowercase hex.
func computeDigest(canonical []byte, chainLink, timestamp, nonce string) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(chainLink))
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// newNonce draws a fresh 128-bit cryptographically random nonce.
func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrHashComputation, err)
	}
	return hex.EncodeToString(b), nil
}

// Generate computes a HashRecord for the payload without mutating chain
// state. previousHash is the lineage link (the prior revision's hash, empty
// for a first revision); when empty the digest is chained to the current
// ledger tail instead so every record extends the global sequence. The
// returned record carries BlockHeight 0 until Append assigns its position.
func (l *Ledger) Generate(payload map[string]any, previousHash string, includeMerkle bool) (*HashRecord, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)

	chainLink := previousHash
	if chainLink == "" {
		chainLink = l.Tail()
	}

	rec := &HashRecord{
		ResourceHash: computeDigest(canonical, chainLink, timestamp, nonce),
		PreviousHash: previousHash,
		ChainLink:    chainLink,
		Timestamp:    timestamp,
		Nonce:        nonce,
	}
	if includeMerkle {
		rec.MerkleRoot = MerkleRoot([]string{rec.ResourceHash})
	}
	return rec, nil
}

// Append advances the global chain with an already-generated record and
// assigns its 1-based block height. It is the only chain mutation on the
// write path and must only be called after the record's payload has been
// durably persisted.
func (l *Ledger) Append(rec *HashRecord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chain = append(l.chain, rec.ResourceHash)
	rec.BlockHeight = len(l.chain)
	return rec.BlockHeight
}

// Batch generates one HashRecord per payload inside a single critical
// section: each record chains to the previous payload's hash (the first to
// the ledger tail), all are appended in order, and the Merkle root over the
// batch digests is stamped onto every record.
func (l *Ledger) Batch(payloads []map[string]any) (string, []*HashRecord, error) {
	if len(payloads) == 0 {
		return "", nil, ErrEmptyBatch
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	records := make([]*HashRecord, 0, len(payloads))
	hashes := make([]string, 0, len(payloads))
	link := l.tailLocked()

	for _, payload := range payloads {
		canonical, err := Canonicalize(payload)
		if err != nil {
			return "", nil, err
		}
		nonce, err := newNonce()
		if err != nil {
			return "", nil, err
		}
		timestamp := time.Now().UTC().Format(time.RFC3339)

		rec := &HashRecord{
			ResourceHash: computeDigest(canonical, link, timestamp, nonce),
			PreviousHash: "",
			ChainLink:    link,
			Timestamp:    timestamp,
			Nonce:        nonce,
		}
		l.chain = append(l.chain, rec.ResourceHash)
		rec.BlockHeight = len(l.chain)

		records = append(records, rec)
		hashes = append(hashes, rec.ResourceHash)
		link = rec.ResourceHash
	}

	root := MerkleRoot(hashes)
	for _, rec := range records {
		rec.MerkleRoot = root
	}
	return root, records, nil
}

// Verify replays the digest computation for a stored record using the
// nonce, timestamp and chain link preserved in its metadata and compares
// the result to the stored hash. Missing nonce or timestamp metadata is
// itself a verification failure, not a silent pass.
func (l *Ledger) Verify(payload map[string]any, storedHash, previousHash string, meta HashMeta) VerificationResult {
	now := time.Now().UTC()

	if meta.Nonce == "" || meta.Timestamp == "" {
		return VerificationResult{
			IsValid:    false,
			StoredHash: storedHash,
			Tampered:   true,
			Message:    "hash metadata is missing nonce or timestamp; record cannot be verified",
			Timestamp:  now,
		}
	}

	canonical, err := Canonicalize(payload)
	if err != nil {
		return VerificationResult{
			IsValid:    false,
			StoredHash: storedHash,
			Tampered:   true,
			Message:    fmt.Sprintf("payload could not be canonicalized: %v", err),
			Timestamp:  now,
		}
	}

	chainLink := meta.ChainLink
	if chainLink == "" {
		chainLink = previousHash
	}

	current := computeDigest(canonical, chainLink, meta.Timestamp, meta.Nonce)
	if current != storedHash {
		l.logger.Warn().
			Str("stored_hash", storedHash).
			Str("current_hash", current).
			Msg("tamper detected: recomputed hash does not match stored hash")
		return VerificationResult{
			IsValid:     false,
			CurrentHash: current,
			StoredHash:  storedHash,
			Tampered:    true,
			Message:     "recomputed hash does not match stored hash; record content was altered",
			Timestamp:   now,
		}
	}

	return VerificationResult{
		IsValid:     true,
		CurrentHash: current,
		StoredHash:  storedHash,
		Tampered:    false,
		Message:     "record integrity verified",
		Timestamp:   now,
	}
}

// VerifyChainFormat checks that every chain entry from fromIndex onward is
// a well-formed 64-character lowercase hex digest. This is a shallow
// structural check; see VerifyChainLinkage for the stricter variant.
func (l *Ledger) VerifyChainFormat(fromIndex int) ChainCheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if fromIndex < 0 {
		fromIndex = 0
	}
	for i := fromIndex; i < len(l.chain); i++ {
		if !hexDigestRe.MatchString(l.chain[i]) {
			return ChainCheckResult{
				Valid:        false,
				CheckedFrom:  fromIndex,
				CheckedCount: i - fromIndex + 1,
				BadIndex:     i,
				Message:      fmt.Sprintf("chain entry %d is not a well-formed %s digest", i, Algorithm),
			}
		}
	}
	return ChainCheckResult{
		Valid:        true,
		CheckedFrom:  fromIndex,
		CheckedCount: len(l.chain) - fromIndex,
		BadIndex:     -1,
		Message:      "chain format verified",
	}
}

// VerifyChainLinkage cross-checks stored hash records against the global
// chain: each record's hash must occupy the block height it claims, and its
// recorded chain link must be the genesis hash, its own lineage previous,
// or an entry appended before it. This catches silent reordering of
// already-appended entries that the format check cannot see.
func (l *Ledger) VerifyChainLinkage(records []HashRecord) ChainCheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]int, len(l.chain))
	for i, h := range l.chain {
		seen[h] = i
	}

	for n, rec := range records {
		if rec.BlockHeight < 1 || rec.BlockHeight > len(l.chain) {
			return ChainCheckResult{
				Valid:    false,
				BadIndex: n,
				Message:  fmt.Sprintf("record %d claims block height %d outside chain of length %d", n, rec.BlockHeight, len(l.chain)),
			}
		}
		if l.chain[rec.BlockHeight-1] != rec.ResourceHash {
			return ChainCheckResult{
				Valid:    false,
				BadIndex: n,
				Message:  fmt.Sprintf("chain entry at height %d does not match the record committed there", rec.BlockHeight),
			}
		}
		link := rec.ChainLink
		if link == l.genesisHash || link == rec.PreviousHash {
			continue
		}
		pos, ok := seen[link]
		if !ok || pos >= rec.BlockHeight-1 {
			return ChainCheckResult{
				Valid:    false,
				BadIndex: n,
				Message:  fmt.Sprintf("record at height %d links to a hash that is not an earlier chain entry", rec.BlockHeight),
			}
		}
	}
	return ChainCheckResult{
		Valid:        true,
		CheckedCount: len(records),
		BadIndex:     -1,
		Message:      "chain linkage verified",
	}
}

// Info summarises current chain state without copying the entry list.
func (l *Ledger) Info() ChainInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	latest := l.genesisHash
	if len(l.chain) > 0 {
		latest = l.chain[len(l.chain)-1]
	}
	return ChainInfo{
		Length:     len(l.chain),
		LatestHash: latest,
		Algorithm:  Algorithm,
		CreatedAt:  l.createdAt,
	}
}

// Export produces a full-state snapshot of the chain for backup and audit.
func (l *Ledger) Export() ChainExport {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := make([]string, len(l.chain))
	copy(chain, l.chain)

	latest := l.genesisHash
	if len(chain) > 0 {
		latest = chain[len(chain)-1]
	}
	return ChainExport{
		GenesisHash: l.genesisHash,
		Chain:       chain,
		ChainInfo: ChainInfo{
			Length:     len(chain),
			LatestHash: latest,
			Algorithm:  Algorithm,
			CreatedAt:  l.createdAt,
		},
	}
}

// Import replaces chain state with a previously exported snapshot. Every
// hash is validated before any state changes; a single malformed entry
// rejects the whole import.
func (l *Ledger) Import(data ChainExport) error {
	if !hexDigestRe.MatchString(data.GenesisHash) {
		return fmt.Errorf("%w: genesis hash %q", ErrMalformedChain, data.GenesisHash)
	}
	for i, h := range data.Chain {
		if !hexDigestRe.MatchString(h) {
			return fmt.Errorf("%w: entry %d", ErrMalformedChain, i)
		}
	}

	chain := make([]string, len(data.Chain))
	copy(chain, data.Chain)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.genesisHash = data.GenesisHash
	l.chain = chain
	if !data.ChainInfo.CreatedAt.IsZero() {
		l.createdAt = data.ChainInfo.CreatedAt
	}
	l.logger.Info().Int("length", len(chain)).Msg("chain imported")
	return nil
}

// MarshalState serialises the export snapshot as JSON.
func (l *Ledger) MarshalState() ([]byte, error) {
	return json.Marshal(l.Export())
}

// UnmarshalState restores chain state from a JSON snapshot.
func (l *Ledger) UnmarshalState(b []byte) error {
	var data ChainExport
	if err := json.Unmarshal(b, &data); err != nil {
		return fmt.Errorf("decode chain snapshot: %w", err)
	}
	return l.Import(data)
}
