package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRecordAppendsJSONLLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := Open(path, WithClock(fixedClock(time.Unix(1700000000, 0).UTC())))
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Record(context.Background(), SeverityInfo, "store_set", "store:widgets/1", map[string]any{"size_bytes": 42}))

	data, err := readLines(path)
	require.NoError(t, err)
	require.Len(t, data, 1)

	var e Event
	require.NoError(t, json.Unmarshal([]byte(data[0]), &e))
	require.Equal(t, "store_set", e.Action)
	require.EqualValues(t, 1, e.Seq)
}

func TestRecordEscapesNonASCIIAndControlBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := Open(path)
	require.NoError(t, err)
	defer logger.Close()

	payload := "log-inject\n\x00\x1b[31m日本語"
	require.NoError(t, logger.Record(context.Background(), SeverityWarning, "suspicious", "r", map[string]any{"note": payload}))

	data, err := readLines(path)
	require.NoError(t, err)
	require.Len(t, data, 1)

	line := data[0]
	require.False(t, strings.ContainsRune(line, '\x00'))
	require.False(t, strings.ContainsAny(line, "\n"))
	for _, r := range line {
		require.Less(t, r, rune(0x80), "line must be pure ASCII")
	}

	var e Event
	require.NoError(t, json.Unmarshal([]byte(line), &e))
	require.Equal(t, payload, e.Metadata["note"])
}

func TestSeqIsMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := Open(path)
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, logger.Record(context.Background(), SeverityInfo, "a", "r", nil))
	}

	data, err := readLines(path)
	require.NoError(t, err)
	require.Len(t, data, 3)
	for i, line := range data {
		var e Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		require.EqualValues(t, i+1, e.Seq)
	}
}

func TestSQLExportIndexesAndQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := OpenWithDB(db, "sqlmock")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(uint64(1), "evt-1", sqlmock.AnyArg(), "info", "store_set", "store:k", "null").
		WillReturnResult(sqlmock.NewResult(1, 1))

	event := Event{ID: "evt-1", Seq: 1, Timestamp: time.Now(), Severity: SeverityInfo, Action: "store_set", Resource: "store:k"}
	require.NoError(t, store.Index(context.Background(), event))

	rows := sqlmock.NewRows([]string{"seq", "event_id", "occurred_at", "severity", "action", "resource", "metadata"}).
		AddRow(1, "evt-1", time.Now(), "info", "store_set", "store:k", "")
	mock.ExpectQuery("SELECT seq, event_id, occurred_at, severity, action, resource, metadata FROM audit_events").WillReturnRows(rows)

	got, err := store.Query(context.Background(), "store:k", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "store_set", got[0].Action)

	require.NoError(t, mock.ExpectationsWereMet())
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
