package ledger

import "errors"

var (
	// ErrHashComputation indicates canonicalization or digest failure.
	// Effectively unreachable for well-formed payloads; fatal per item.
	ErrHashComputation = errors.New("ledger: hash computation failed")
	// ErrChainIntegrity indicates a verification detected tampering.
	ErrChainIntegrity = errors.New("ledger: chain integrity violation")
	// ErrMalformedChain indicates an import contained an entry that is not
	// a well-formed digest. Imports are rejected wholesale.
	ErrMalformedChain = errors.New("ledger: malformed chain entry")
	// ErrEmptyBatch indicates Batch was called with no payloads.
	ErrEmptyBatch = errors.New("ledger: empty batch")
)
