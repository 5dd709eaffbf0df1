package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MerkleRoot computes a binary Merkle root from a slice of hex hashes. An odd
// node at any level is paired with itself, so a single leaf h yields
// HASH(h || h).
func MerkleRoot(hashes []string) (string, error) {
	if len(hashes) == 0 {
		return "", ErrEmptyTree
	}
	level := make([][]byte, 0, len(hashes))
	for i, h := range hashes {
		b, err := decodeDigest(h)
		if err != nil {
			return "", fmt.Errorf("merkle leaf %d: %w", i, err)
		}
		level = append(level, b)
	}
	if len(level) == 1 {
		level = append(level, level[0])
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			var right []byte
			if i+1 < len(level) {
				right = level[i+1]
			} else {
				right = left
			}
			next = append(next, hashPair(left, right))
		}
		level = next
	}
	return hex.EncodeToString(level[0]), nil
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// NewCheckpoint summarizes the first count hashes.
func NewCheckpoint(hashes []string, count int, generatedAt time.Time) (Checkpoint, error) {
	if count <= 0 || count > len(hashes) {
		return Checkpoint{}, fmt.Errorf("checkpoint count %d out of range 1..%d", count, len(hashes))
	}
	window := hashes[:count]
	root, err := MerkleRoot(window)
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{
		SchemaVersion: SchemaVersion,
		Type:          CheckpointType,
		Algorithm:     HashAlgorithm,
		EventCount:    count,
		HeadEventHash: window[count-1],
		MerkleRoot:    root,
		GeneratedAt:   NewID(generatedAt),
	}, nil
}

// BuildCheckpoints returns one windowed checkpoint per positive multiple of
// cadence up to len(hashes), plus the latest checkpoint over every hash. The
// latest checkpoint is nil when hashes is empty.
func BuildCheckpoints(hashes []string, cadence int, generatedAt time.Time) ([]Checkpoint, *Checkpoint, error) {
	var windows []Checkpoint
	if cadence > 0 {
		for n := cadence; n <= len(hashes); n += cadence {
			cp, err := NewCheckpoint(hashes, n, generatedAt)
			if err != nil {
				return nil, nil, err
			}
			cp.Cadence = cadence
			windows = append(windows, cp)
		}
	}
	if len(hashes) == 0 {
		return windows, nil, nil
	}
	latest, err := NewCheckpoint(hashes, len(hashes), generatedAt)
	if err != nil {
		return nil, nil, err
	}
	latest.Type = LatestCheckpointType
	return windows, &latest, nil
}

// CheckCheckpoint compares a stored checkpoint against freshly derived hashes
// in chain order. It returns "" when the checkpoint matches the prefix it
// claims, otherwise the Mismatch* reason.
func CheckCheckpoint(cp Checkpoint, hashes []string) (string, error) {
	if cp.EventCount <= 0 {
		return MismatchCount, nil
	}
	if len(hashes) < cp.EventCount {
		return MismatchChainShort, nil
	}
	root, err := MerkleRoot(hashes[:cp.EventCount])
	if err != nil {
		return "", err
	}
	if root != cp.MerkleRoot {
		return MismatchRoot, nil
	}
	if hashes[cp.EventCount-1] != cp.HeadEventHash {
		return MismatchHead, nil
	}
	return "", nil
}
