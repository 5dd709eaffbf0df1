package server

import (
	"path/filepath"

	"witness_service/internal/audit"
	"witness_service/internal/status"
)

// lastFields returns the stored objects of the newest limit events, oldest
// first.
func lastFields(events []audit.Event, limit int) []map[string]interface{} {
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	items := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		items = append(items, ev.Fields)
	}
	return items
}

func writeReport(layout audit.Layout, report audit.Report) error {
	return audit.WriteJSON(filepath.Join(layout.WitnessDir(), "verify.json"), report)
}

func writeSummary(layout audit.Layout, summary status.Summary) error {
	return audit.WriteJSON(filepath.Join(layout.WitnessDir(), "status.json"), summary)
}
