// Package canonical produces the deterministic argument serialization used by
// request hashing, cache keys, and audit rows. All three consumers share one
// encoder so a tuple always hashes and logs identically.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Marshal encodes the argument tuple as compact JSON. Map keys are emitted in
// sorted order, so equal tuples always produce equal bytes.
func Marshal(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal args: %w", err)
	}
	return data, nil
}

// RequestHash returns the hex SHA-256 of the canonical tuple encoding. This is
// the payload fingerprint stored on idempotency records.
func RequestHash(args []any) (string, error) {
	data, err := Marshal(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ArgsHash returns the hex blake3 of the canonical tuple encoding, used for
// cache key construction where a faster digest suffices.
func ArgsHash(args []any) (string, error) {
	data, err := Marshal(args)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
