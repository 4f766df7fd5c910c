package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Store is the optional embedding response cache. A hit answers the caller
// with the stored JSON body without entering the batching pipeline.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

// Signature derives a stable cache key from an ordered input list. Each
// element is length-prefixed so list boundaries cannot collide (["ab"] and
// ["a","b"] hash differently).
func Signature(inputs []string) string {
	hasher := sha256.New()
	var prefix [8]byte
	for _, input := range inputs {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(input)))
		hasher.Write(prefix[:])
		hasher.Write([]byte(input))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
