package integration_test

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

// auditCounts returns the number of audit events per type. A non-empty runID
// limits the count to that run's events.
func auditCounts(t *testing.T, dbPath, runID string) map[string]int {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open audit db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	query := "SELECT type, COUNT(*) FROM events"
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	rows, err := db.Query(query+" GROUP BY type", args...)
	if err != nil {
		t.Fatalf("query audit events: %v", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var n int
		if err := rows.Scan(&eventType, &n); err != nil {
			t.Fatalf("scan audit event: %v", err)
		}
		counts[eventType] = n
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate audit events: %v", err)
	}
	return counts
}

func requireAuditEvents(t *testing.T, dbPath string, want []string) {
	t.Helper()
	counts := auditCounts(t, dbPath, "")
	for _, eventType := range want {
		if counts[eventType] == 0 {
			t.Fatalf("missing audit event %s in %s (have %v)", eventType, dbPath, counts)
		}
	}
}
