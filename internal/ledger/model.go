package ledger

import "time"

// HashRecord captures the integrity metadata produced for one committed
// record revision. Immutable once created.
type HashRecord struct {
	// ResourceHash is the SHA-256 digest of the canonical payload combined
	// with the chain link, timestamp and nonce. Lowercase hex, 64 chars.
	ResourceHash string `json:"resource_hash"`
	// PreviousHash is the ResourceHash of the prior revision of this same
	// record (lineage). Empty for the first revision.
	PreviousHash string `json:"previous_hash"`
	// ChainLink is the value actually mixed into the digest: PreviousHash
	// when the record has a prior revision, otherwise the ledger tail at
	// generation time. Stored so linkage can be re-verified later.
	ChainLink string `json:"chain_link"`
	// Timestamp is the generation time, RFC3339 UTC.
	Timestamp string `json:"timestamp"`
	// Nonce is a 128-bit cryptographically random value, hex encoded.
	Nonce string `json:"nonce"`
	// MerkleRoot is set when the record was generated as part of a batch.
	MerkleRoot string `json:"merkle_root,omitempty"`
	// BlockHeight is the 1-based position in the global chain.
	BlockHeight int `json:"block_height"`
	// Signature is reserved for a future signing integration.
	Signature string `json:"signature,omitempty"`
}

// VerificationResult reports the outcome of replaying the hash computation
// for a stored record.
type VerificationResult struct {
	IsValid     bool      `json:"verified"`
	CurrentHash string    `json:"current_hash"`
	StoredHash  string    `json:"stored_hash"`
	Tampered    bool      `json:"tampered"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// ChainInfo summarises the global chain for export and status reporting.
type ChainInfo struct {
	Length     int       `json:"length"`
	LatestHash string    `json:"latest_hash"`
	Algorithm  string    `json:"algorithm"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChainExport is the full-state snapshot format used for backup and audit.
type ChainExport struct {
	GenesisHash string    `json:"genesis_hash"`
	Chain       []string  `json:"chain"`
	ChainInfo   ChainInfo `json:"chain_info"`
}

// ChainCheckResult reports a structural or linkage verification over the
// global chain.
type ChainCheckResult struct {
	Valid        bool   `json:"valid"`
	CheckedFrom  int    `json:"checked_from"`
	CheckedCount int    `json:"checked_count"`
	BadIndex     int    `json:"bad_index"` // -1 when Valid
	Message      string `json:"message"`
}
