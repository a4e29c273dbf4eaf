package realtime

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// StoredUpdates is a snapshot of one branch's update log.
type StoredUpdates struct {
	Updates    []string
	Timestamps []int64 // unix ms, 1:1 with Updates

	// Version identifies this exact log content. It is the token
	// ReplaceUpdates expects for its compare-and-swap.
	Version string
}

// UpdateStore persists per-namespace, append-only CRDT update logs.
//
// Requirements:
//   - GetUpdates on an unknown namespace returns an empty log, never an error.
//   - AddUpdates appends in argument order, is all-or-nothing, and returns
//     *MaxSizeReachedError when the append would exceed the configured limit.
//   - ReplaceUpdates swaps the whole log only if the current log still has
//     expectedVersion; otherwise it returns ErrVersionMismatch and changes nothing.
//   - Appends to one namespace are serialized.
type UpdateStore interface {
	GetUpdates(ctx context.Context, namespace string) (StoredUpdates, error)
	AddUpdates(ctx context.Context, namespace string, updates []string) error
	ReplaceUpdates(ctx context.Context, namespace, expectedVersion string, updates []string) error
	ClearUpdates(ctx context.Context, namespace string) error
	Close() error
}

// LogVersion returns the compare-and-swap token for a log: its length plus a
// BLAKE2b-256 digest over the length-prefixed updates.
func LogVersion(updates []string) string {
	h, _ := blake2b.New256(nil)

	var n [8]byte
	for _, u := range updates {
		binary.BigEndian.PutUint64(n[:], uint64(len(u)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(u))
	}
	return strconv.Itoa(len(updates)) + ":" + hex.EncodeToString(h.Sum(nil))
}

// UpdateSize is the stored size of an update: the length of its encoded form.
func UpdateSize(update string) int64 { return int64(len(update)) }

func updatesSize(updates []string) int64 {
	var n int64
	for _, u := range updates {
		n += UpdateSize(u)
	}
	return n
}

func checkBranchSize(maxBytes, current, added int64) error {
	if maxBytes <= 0 {
		return nil
	}
	needed := current + added
	if needed > maxBytes {
		return &MaxSizeReachedError{MaxBranchSizeInBytes: maxBytes, NeededBranchSizeInBytes: needed}
	}
	return nil
}
