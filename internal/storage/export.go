package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportText renders a session record and its events as a plain report.
func ExportText(rec *Record, events []Event) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Session:  %s\n", rec.ID)
	fmt.Fprintf(&b, "User:     %s\n", rec.UserID)
	fmt.Fprintf(&b, "Profile:  %s\n", rec.Profile)
	if rec.SandboxID != "" {
		fmt.Fprintf(&b, "Sandbox:  %s\n", shortID(rec.SandboxID))
	}
	fmt.Fprintf(&b, "Status:   %s\n", rec.Status)
	fmt.Fprintf(&b, "Created:  %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"))
	if rec.EndedAt != nil {
		fmt.Fprintf(&b, "Ended:    %s (%s)\n", rec.EndedAt.Format("2006-01-02 15:04:05"),
			rec.EndedAt.Sub(rec.CreatedAt).Round(time.Second))
	}

	if len(events) == 0 {
		return b.String()
	}
	b.WriteString("\nEvents:\n")
	for _, e := range events {
		line := fmt.Sprintf("  %s  %-16s", e.At.Format("15:04:05"), e.Kind)
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		b.WriteString(strings.TrimRight(line, " ") + "\n")
	}
	return b.String()
}

// ExportJSON renders a session record and its events as formatted JSON.
func ExportJSON(rec *Record, events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	export := struct {
		Session *Record `json:"session"`
		Events  []Event `json:"events"`
	}{
		Session: rec,
		Events:  events,
	}
	return json.MarshalIndent(export, "", "  ")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
