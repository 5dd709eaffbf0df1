package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"witness_service/internal/audit"
)

var ErrNoRaid0Entry = errors.New("status: no prior raid0_entered event")

const (
	EventTypeAuthorityTransition = "authority_transition"
	EventRaid0Entered            = "raid0_entered"
	EventRaid0Exited             = "raid0_exited"
)

type raid0File struct {
	Epoch string `json:"raid0_epoch"`
}

// TimeReference is the one-way time authority assertion.
type TimeReference struct {
	TimeReference string `json:"time_reference"`
	AssertedAt    string `json:"asserted_at"`
	Authority     string `json:"authority"`
	Scope         string `json:"scope"`
	Reversible    bool   `json:"reversible"`
}

// ReadRaid0Epoch returns nil without error when no epoch was recorded.
func ReadRaid0Epoch(layout audit.Layout) (*time.Time, error) {
	data, err := os.ReadFile(layout.Raid0Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f raid0File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode raid0 epoch: %w", err)
	}
	if f.Epoch == "" {
		return nil, nil
	}
	t, err := time.Parse(audit.IDLayout, f.Epoch)
	if err != nil {
		return nil, fmt.Errorf("parse raid0 epoch %q: %w", f.Epoch, err)
	}
	return &t, nil
}

// MarkRaid0 records now as the raid0 epoch, replacing any earlier one.
func MarkRaid0(layout audit.Layout, now time.Time) (time.Time, error) {
	now = now.UTC().Truncate(time.Second)
	if err := audit.WriteJSON(layout.Raid0Path(), raid0File{Epoch: audit.NewID(now)}); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// ReadTimeReference returns nil without error when none was asserted.
func ReadTimeReference(layout audit.Layout) (*TimeReference, error) {
	data, err := os.ReadFile(layout.TimeReferencePath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ref TimeReference
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("decode time reference: %w", err)
	}
	return &ref, nil
}

// AssertTimeReference writes the time reference once. When one exists it is
// returned unchanged with created=false.
func AssertTimeReference(layout audit.Layout, value, authority string, now time.Time) (TimeReference, bool, error) {
	if existing, err := ReadTimeReference(layout); err != nil {
		return TimeReference{}, false, err
	} else if existing != nil {
		return *existing, false, nil
	}
	ref := TimeReference{
		TimeReference: value,
		AssertedAt:    audit.NewID(now),
		Authority:     authority,
		Scope:         "global",
		Reversible:    false,
	}
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return TimeReference{}, false, err
	}
	file, err := os.OpenFile(layout.TimeReferencePath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			existing, rerr := ReadTimeReference(layout)
			if rerr != nil || existing == nil {
				return TimeReference{}, false, err
			}
			return *existing, false, nil
		}
		return TimeReference{}, false, err
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		file.Close()
		return TimeReference{}, false, err
	}
	return ref, true, file.Close()
}

// Raid0EnterFields is the payload of a raid0 entry transition.
func Raid0EnterFields(source string) map[string]interface{} {
	return map[string]interface{}{
		"type":                  EventTypeAuthorityTransition,
		"event":                 EventRaid0Entered,
		"trigger":               "manual",
		"authority_source":      source,
		"redundancy_available":  false,
		"constraints":           map[string]interface{}{"max_duration": "PT2H", "review_required_after": "PT30M"},
		"constraints_evaluated": []interface{}{"raid0_policy"},
		"constraint_absence":    []interface{}{},
		"status":                "ACTIVE",
		"evaluation":            []interface{}{MarkerTechnicallyCorrect},
		"human_override":        "not_requested",
		"decision_source":       source,
	}
}

// Raid0ExitFields is the payload of a raid0 exit transition. It refers to the
// newest raid0_entered event and counts the events since, inclusive.
func Raid0ExitFields(events []audit.Event, now time.Time, source string) (map[string]interface{}, error) {
	var entered *audit.Event
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Fields["type"] == EventTypeAuthorityTransition && ev.Fields["event"] == EventRaid0Entered {
			entered = &events[i]
			break
		}
	}
	if entered == nil {
		return nil, ErrNoRaid0Entry
	}
	enteredAt, err := time.Parse(audit.IDLayout, entered.ID)
	if err != nil {
		return nil, fmt.Errorf("parse raid0 entry %s: %w", entered.ID, err)
	}
	exitID := audit.NewID(now)
	during := 0
	for _, ev := range events {
		if ev.ID >= entered.ID && ev.ID <= exitID {
			during++
		}
	}
	return map[string]interface{}{
		"type":                   EventTypeAuthorityTransition,
		"event":                  EventRaid0Exited,
		"entered_at":             entered.ID,
		"duration":               ISODuration(now.Sub(enteredAt)),
		"decisions_during_raid0": during,
		"authority_source":       source,
		"redundancy_available":   true,
		"constraints":            map[string]interface{}{"reviewed": false},
		"constraints_evaluated":  []interface{}{"raid0_policy"},
		"constraint_absence":     []interface{}{},
		"status":                 "ACTIVE",
		"evaluation":             []interface{}{MarkerTechnicallyCorrect},
		"human_override":         "not_requested",
		"decision_source":        source,
	}, nil
}

// Collect reads the newest event, the raid0 epoch and the time reference
// from the store and summarizes them with report. Unreadable inputs are
// logged and treated as absent.
func Collect(store *audit.Store, report *audit.Report, now time.Time, logger *log.Logger) Summary {
	if logger == nil {
		logger = log.Default()
	}
	var latest *audit.Event
	if events, err := store.Events(); err != nil {
		logger.Printf("status: events unavailable: %v", err)
	} else if len(events) > 0 {
		latest = &events[len(events)-1]
	}

	epoch, err := ReadRaid0Epoch(store.Layout())
	if err != nil {
		logger.Printf("status: raid0 epoch unavailable: %v", err)
		epoch = nil
	}

	summary := Summarize(latest, report, epoch, now)
	ref, err := ReadTimeReference(store.Layout())
	if err != nil {
		logger.Printf("status: time reference unavailable: %v", err)
	} else if ref != nil && ref.TimeReference != "" {
		summary.TimeReference = &ref.TimeReference
	}
	return summary
}
