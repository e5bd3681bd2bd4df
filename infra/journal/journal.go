// Package journal keeps a local SQLite record of gateway calls and received
// webhook events, so an order's history can be inspected without OpenSearch.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mstgnz/nativepay/infra/logger"
	"github.com/mstgnz/nativepay/provider"
)

const maxRetries = 3

// Event is one verified webhook notification as received.
type Event struct {
	ID            string    `json:"id"`
	EventType     string    `json:"event_type"`
	OrderID       string    `json:"order_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	TradeState    string    `json:"trade_state,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Journal is a SQLite backed provider.CallLogger and webhook event log.
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_timeout=20000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	j := &Journal{db: db, path: path}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	j.optimize()

	logger.Info("Journal initialized", logger.LogContext{Fields: map[string]any{"path": path}})
	return j, nil
}

func (j *Journal) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS gateway_calls (
		id TEXT PRIMARY KEY,
		ts_unix_ms INTEGER NOT NULL,
		provider TEXT NOT NULL,
		operation TEXT NOT NULL,
		method TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		request_id TEXT NOT NULL DEFAULT '',
		error_class TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ns INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_gateway_calls_order ON gateway_calls(order_id, ts_unix_ms);

	CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL DEFAULT '',
		trade_state TEXT NOT NULL DEFAULT '',
		received_unix_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_webhook_events_order ON webhook_events(order_id, received_unix_ms);
	`

	_, err := j.db.Exec(query)
	return err
}

func (j *Journal) optimize() {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 30000;",
		"PRAGMA temp_store = memory;",
	}
	for _, pragma := range pragmas {
		if _, err := j.db.Exec(pragma); err != nil {
			logger.Warn("Failed to apply SQLite pragma", logger.LogContext{Fields: map[string]any{"pragma": pragma, "error": err.Error()}})
		}
	}
}

// retryOperation retries SQLITE_BUSY failures with exponential backoff.
func (j *Journal) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}

		backoff := time.Duration(10*(1<<attempt)) * time.Millisecond
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("operation failed after %d retries, last error: %w", maxRetries+1, lastErr)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// LogCall implements provider.CallLogger.
func (j *Journal) LogCall(ctx context.Context, entry provider.CallLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.retryOperation(ctx, func() error {
		_, err := j.db.ExecContext(ctx, `
		INSERT INTO gateway_calls
			(id, ts_unix_ms, provider, operation, method, endpoint, order_id, status_code, request_id, error_class, error, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
			entry.ID, entry.Timestamp.UnixMilli(), entry.Provider, entry.Operation, entry.Method, entry.Endpoint,
			entry.OrderID, entry.StatusCode, entry.RequestID, entry.ErrorClass, entry.Error, int64(entry.Duration))
		if err != nil {
			return fmt.Errorf("failed to save gateway call: %w", err)
		}
		return nil
	})
}

// Calls returns the most recent calls for orderID, newest first.
func (j *Journal) Calls(ctx context.Context, orderID string, limit int) ([]provider.CallLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
	SELECT id, ts_unix_ms, provider, operation, method, endpoint, order_id, status_code, request_id, error_class, error, duration_ns
	FROM gateway_calls
	WHERE order_id = ?
	ORDER BY ts_unix_ms DESC, rowid DESC
	LIMIT ?`, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query gateway calls: %w", err)
	}
	defer rows.Close()

	var calls []provider.CallLog
	for rows.Next() {
		var c provider.CallLog
		var tsMillis, durationNs int64
		if err := rows.Scan(&c.ID, &tsMillis, &c.Provider, &c.Operation, &c.Method, &c.Endpoint,
			&c.OrderID, &c.StatusCode, &c.RequestID, &c.ErrorClass, &c.Error, &durationNs); err != nil {
			return nil, fmt.Errorf("failed to scan gateway call: %w", err)
		}
		c.Timestamp = time.UnixMilli(tsMillis).UTC()
		c.Duration = time.Duration(durationNs)
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating gateway calls: %w", err)
	}
	return calls, nil
}

// RecordEvent stores ev and reports whether it was new. The gateway redelivers
// until it gets an acknowledgement, so the same event id may arrive many times.
func (j *Journal) RecordEvent(ctx context.Context, ev Event) (bool, error) {
	if ev.ID == "" {
		return false, errors.New("journal: event id is required")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var inserted bool
	err := j.retryOperation(ctx, func() error {
		res, err := j.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, event_type, order_id, transaction_id, trade_state, received_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
			ev.ID, ev.EventType, ev.OrderID, ev.TransactionID, ev.TradeState, ev.ReceivedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to save webhook event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}

// Events returns the webhook events received for orderID, oldest first.
func (j *Journal) Events(ctx context.Context, orderID string) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, `
	SELECT id, event_type, order_id, transaction_id, trade_state, received_unix_ms
	FROM webhook_events
	WHERE order_id = ?
	ORDER BY received_unix_ms, rowid`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var receivedMillis int64
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.OrderID, &ev.TransactionID, &ev.TradeState, &receivedMillis); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		ev.ReceivedAt = time.UnixMilli(receivedMillis).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}
	return events, nil
}

// Prune deletes calls and events older than before and returns how many rows went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var total int64
	err := j.retryOperation(ctx, func() error {
		total = 0
		for _, q := range []string{
			"DELETE FROM gateway_calls WHERE ts_unix_ms < ?",
			"DELETE FROM webhook_events WHERE received_unix_ms < ?",
		} {
			res, err := j.db.ExecContext(ctx, q, before.UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to prune journal: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			total += n
		}
		return nil
	})
	return total, err
}

// Stats returns row counts and the database file size.
func (j *Journal) Stats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)

	var calls, events int64
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM gateway_calls").Scan(&calls); err != nil {
		return nil, fmt.Errorf("failed to count gateway calls: %w", err)
	}
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM webhook_events").Scan(&events); err != nil {
		return nil, fmt.Errorf("failed to count webhook events: %w", err)
	}
	stats["gateway_calls"] = calls
	stats["webhook_events"] = events

	if fileInfo, err := os.Stat(j.path); err == nil {
		stats["db_size_bytes"] = fileInfo.Size()
	}
	stats["db_path"] = j.path
	return stats, nil
}

// Ping checks the database connection.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
