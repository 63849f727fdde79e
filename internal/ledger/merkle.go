package ledger

import (
	"crypto/sha256"
	"encoding/hex"
)

// MerkleRoot computes a single digest summarising a batch of hex digests:
// adjacent hashes are paired and the concatenation hashed; an odd level
// duplicates its last hash before pairing; recursion continues until one
// hash remains. A single input is returned as-is.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	level := make([]string, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			sum := sha256.Sum256([]byte(level[i] + level[i+1]))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}
	return level[0]
}
