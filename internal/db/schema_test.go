package db

import (
	"os"
	"strings"
	"testing"
)

// MarkSent clears error_message/error_details with NULL and leaves sent_at,
// failed_at and form_entry_id unset on other paths. If the schema declares
// any of these NOT NULL, every finalizer update dies with a not-null
// violation, so the DDL must keep them nullable.
func TestInitSchema_QueueColumnsFinalizersNull(t *testing.T) {
	raw, err := os.ReadFile("../../migrations/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}

	ddl := string(raw)
	start := strings.Index(ddl, "CREATE TABLE IF NOT EXISTS notification_queue")
	if start < 0 {
		t.Fatal("notification_queue DDL not found")
	}
	end := strings.Index(ddl[start:], ");")
	if end < 0 {
		t.Fatal("notification_queue DDL not terminated")
	}
	table := ddl[start : start+end]

	nullable := []string{"error_message", "error_details", "sent_at", "failed_at", "form_entry_id"}
	for _, col := range nullable {
		line := columnLine(table, col)
		if line == "" {
			t.Errorf("column %s missing from notification_queue", col)
			continue
		}
		if strings.Contains(line, "NOT NULL") {
			t.Errorf("column %s must be nullable, finalizers write NULL into it: %s", col, line)
		}
	}
}

func columnLine(table, col string) string {
	for _, line := range strings.Split(table, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, col+" ") {
			return trimmed
		}
	}
	return ""
}
