package status

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"witness_service/internal/audit"
)

const MarkerEvaluationRefused = "evaluation_refused"

var defaultConstraints = []byte(`{"constraint":"not_provided","assumption":"accepted"}` + "\n")

// Constraints is the active constraint declaration and the sha256 of its
// file bytes.
type Constraints struct {
	Value map[string]interface{}
	Hash  string
}

func ConstraintsPath(layout audit.Layout) string {
	return filepath.Join(layout.Root, "constraints", "active.json")
}

// LoadConstraints reads constraints/active.json, falling back to a
// "not_provided" declaration when the file does not exist.
func LoadConstraints(layout audit.Layout) (Constraints, error) {
	data, err := os.ReadFile(ConstraintsPath(layout))
	if errors.Is(err, fs.ErrNotExist) {
		data = defaultConstraints
	} else if err != nil {
		return Constraints{}, err
	}
	value, err := audit.DecodeObject(data)
	if err != nil {
		return Constraints{}, fmt.Errorf("constraints: %w", err)
	}
	sum := sha256.Sum256(data)
	return Constraints{Value: value, Hash: hex.EncodeToString(sum[:])}, nil
}

// DecisionFields is an ACTIVE decision carrying every evaluation marker,
// overlaid with payload.
func DecisionFields(payload map[string]interface{}, c Constraints, source string) map[string]interface{} {
	out := map[string]interface{}{
		"status":          "ACTIVE",
		"evaluation":      []interface{}{MarkerTechnicallyCorrect, MarkerSituationallyCorrect, MarkerEvaluationRefused},
		"human_override":  "not_requested",
		"decision_source": source,
		"constraints":     c.Value,
		"constraint_hash": c.Hash,
	}
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// TombstoneFields records that the system went INACTIVE without evaluating.
func TombstoneFields(c Constraints, source string) map[string]interface{} {
	return map[string]interface{}{
		"status":          "INACTIVE",
		"evaluation":      []interface{}{},
		"human_override":  "not_requested",
		"decision_source": source,
		"constraints":     c.Value,
		"constraint_hash": c.Hash,
	}
}
