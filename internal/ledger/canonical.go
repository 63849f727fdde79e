package ledger

import (
	"encoding/json"
	"fmt"
)

// Volatile top-level fields stripped before hashing. A record must hash
// the same regardless of how many times it has been re-hashed or when it
// was last touched by the store.
var volatileFields = map[string]bool{
	"_integrity":  true,
	"lastUpdated": true,
}

// Canonicalize produces the deterministic byte representation of a payload
// used for hashing: volatile fields removed, keys emitted in sorted order
// at every nesting level, nested structures normalized the same way.
// Identical logical content always yields identical bytes regardless of
// structural insertion order upstream.
func Canonicalize(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrHashComputation)
	}

	cleaned := make(map[string]any, len(payload))
	for k, v := range payload {
		if volatileFields[k] {
			continue
		}
		cleaned[k] = v
	}

	// meta.lastUpdated is maintained by the store and excluded as well.
	if meta, ok := cleaned["meta"].(map[string]any); ok {
		mc := make(map[string]any, len(meta))
		for k, v := range meta {
			if k == "lastUpdated" {
				continue
			}
			mc[k] = v
		}
		cleaned["meta"] = mc
	}

	// encoding/json sorts map keys at every level, which gives the stable
	// ordering the digest depends on.
	b, err := json.Marshal(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashComputation, err)
	}
	return b, nil
}
