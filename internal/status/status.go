// Package status derives the public display record from the newest event,
// the latest verification report and the raid0 epoch. Every input may be
// absent; the matching output fields are then null.
package status

import (
	"fmt"
	"strings"
	"time"

	"witness_service/internal/audit"
)

const (
	MarkerTechnicallyCorrect   = "technically_correct"
	MarkerSituationallyCorrect = "situationally_correct"

	// StatusUnknown is reported when no event exists yet.
	StatusUnknown = "DEGRADED"
)

type Evaluation struct {
	TechnicallyCorrect   *bool `json:"technically_correct"`
	SituationallyCorrect *bool `json:"situationally_correct"`
}

type Integrity struct {
	Algorithm       string  `json:"algorithm"`
	HashChainValid  *bool   `json:"hash_chain_valid"`
	SignatureValid  *bool   `json:"signature_valid"`
	CheckpointFresh *bool   `json:"checkpoint_fresh"`
	HeadEventHash   *string `json:"head_event_hash"`
	SigningKeyID    *string `json:"signing_key_id"`
	LastVerified    *string `json:"last_verified"`
}

type Summary struct {
	SchemaVersion       string      `json:"schema_version"`
	Status              string      `json:"status"`
	DegradationState    *string     `json:"degradation_state"`
	Evaluation          Evaluation  `json:"evaluation"`
	HumanOverride       interface{} `json:"human_override"`
	DecisionSource      *string     `json:"decision_source"`
	TimeReference       *string     `json:"time_reference"`
	LastEvaluation      *string     `json:"last_evaluation"`
	TimeSinceLastRaid0  *string     `json:"time_since_last_raid0"`
	Integrity           Integrity   `json:"cryptographic_integrity"`
	ConstraintsDeclared bool        `json:"constraints_declared"`
	GeneratedAt         string      `json:"generated_at"`
}

// Summarize builds the display record. latest, report and raid0Epoch may be
// nil.
func Summarize(latest *audit.Event, report *audit.Report, raid0Epoch *time.Time, now time.Time) Summary {
	now = now.UTC()
	out := Summary{
		SchemaVersion: audit.SchemaVersion,
		Status:        StatusUnknown,
		Integrity:     Integrity{Algorithm: strings.ToUpper(audit.HashAlgorithm)},
		GeneratedAt:   now.Format(time.RFC3339),
	}

	if latest != nil {
		if s := strings.TrimSpace(latest.Status()); s != "" {
			out.Status = s
		}
		if list, ok := latest.Evaluation(); ok {
			out.Evaluation.TechnicallyCorrect = member(list, MarkerTechnicallyCorrect)
			out.Evaluation.SituationallyCorrect = member(list, MarkerSituationallyCorrect)
		}
		out.HumanOverride = latest.Fields["human_override"]
		out.DecisionSource = stringField(latest.Fields, "decision_source")
		out.DegradationState = stringField(latest.Fields, "degradation_state")
		if latest.ID != "" {
			id := latest.ID
			out.LastEvaluation = &id
		}
		_, hasConstraints := latest.Fields["constraints"]
		_, hasConstraintHash := latest.Fields["constraint_hash"]
		out.ConstraintsDeclared = hasConstraints || hasConstraintHash
	}

	if raid0Epoch != nil {
		d := ISODuration(now.Sub(raid0Epoch.UTC()))
		out.TimeSinceLastRaid0 = &d
	}

	if report != nil {
		chainOK := report.Chain.HashChainValid
		sigOK := report.Checkpoint.SignatureValid
		fresh := report.Checkpoint.ConsideredFresh
		out.Integrity.HashChainValid = &chainOK
		out.Integrity.SignatureValid = &sigOK
		out.Integrity.HeadEventHash = report.Chain.HeadEventHash
		out.Integrity.SigningKeyID = report.Checkpoint.SigningKeyID
		if report.Checkpoint.GeneratedAt != nil {
			out.Integrity.CheckpointFresh = &fresh
		}
		if report.OK() && report.VerifiedAt != "" {
			at := report.VerifiedAt
			out.Integrity.LastVerified = &at
		}
	}
	return out
}

// ISODuration formats d as an ISO-8601 duration with second precision, e.g.
// P1DT2H3M4S. Negative durations clamp to PT0S.
func ISODuration(d time.Duration) string {
	total := int64(d / time.Second)
	if total < 0 {
		total = 0
	}
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	var b strings.Builder
	b.WriteString("P")
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	b.WriteString("T")
	if hours > 0 {
		fmt.Fprintf(&b, "%dH", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dM", minutes)
	}
	fmt.Fprintf(&b, "%dS", seconds)
	return b.String()
}

func member(list []string, marker string) *bool {
	found := false
	for _, m := range list {
		if m == marker {
			found = true
			break
		}
	}
	return &found
}

func stringField(fields map[string]interface{}, key string) *string {
	s, ok := fields[key].(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}
