package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// ZeroHash is the prev_hash of the first event: a 256-bit all-zero digest.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashAlgorithm names the digest recorded in checkpoints.
const HashAlgorithm = "sha256"

func hashBytes(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func decodeDigest(h string) ([]byte, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	if len(b) != sha256.Size {
		return nil, errDigestSize
	}
	return b, nil
}
