// Package journal persists device events, property changes and dispatched
// commands to SQLite for later inspection through the API.
//
// A Journal subscribes to a device's event bus as a property sink, so rows
// are written from the bus delivery goroutine in emission order and never
// on a simulation loop.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/astro-devsim/internal/device"
)

var (
	_ device.EventSink    = Sink{}
	_ device.PropertySink = Sink{}
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// writeTimeout bounds one insert issued from a sink callback.
const writeTimeout = 5 * time.Second

// Page size limits for list queries.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// Logger defines the logging interface for the journal.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EventRecord is a stored device event.
type EventRecord struct {
	ID         int64          `json:"id"`
	DeviceID   string         `json:"device_id"`
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// ChangeRecord is a stored property change.
type ChangeRecord struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	OldValue  any       `json:"old_value,omitempty"`
	NewValue  any       `json:"new_value"`
	ChangedAt time.Time `json:"changed_at"`
}

// CommandRecord is a stored command dispatch.
type CommandRecord struct {
	ID        int64         `json:"id"`
	DeviceID  string        `json:"device_id"`
	CommandID string        `json:"command_id"`
	Name      string        `json:"name"`
	Status    device.Status `json:"status"`
	Source    string        `json:"source,omitempty"`
	Duration  time.Duration `json:"duration"`
	LoggedAt  time.Time     `json:"logged_at"`
}

// EventFilter selects events for ListEvents.
type EventFilter struct {
	Name   string    // optional exact event name
	Since  time.Time // optional lower bound (inclusive)
	Limit  int       // default 50, max 500
	Offset int
}

// EventPage is a page of events, newest first.
type EventPage struct {
	Events []EventRecord `json:"events"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// Journal writes and reads the device journal tables.
//
// Thread Safety: All methods are safe for concurrent use.
type Journal struct {
	db     *sql.DB
	logger Logger
	now    func() time.Time
}

// New creates a journal on an already migrated database.
func New(db *sql.DB) *Journal {
	return &Journal{db: db, logger: noopLogger{}, now: time.Now}
}

// SetLogger sets the logger used for write failures.
func (j *Journal) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	j.logger = logger
}

// Sink is an event bus sink that journals events and property changes.
type Sink struct{ j *Journal }

// Sink returns a bus sink writing to j.
func (j *Journal) Sink() Sink {
	return Sink{j}
}

// HandleEvent implements device.EventSink.
func (s Sink) HandleEvent(ev device.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.j.RecordEvent(ctx, ev)
}

// HandlePropertyChange implements device.PropertySink.
func (s Sink) HandlePropertyChange(ch device.PropertyChange) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.j.RecordPropertyChange(ctx, ch)
}

// RecordEvent stores one event.
func (j *Journal) RecordEvent(ctx context.Context, ev device.Event) error {
	var payload any = "{}"
	if len(ev.Payload) > 0 {
		var err error
		if payload, err = encode(ev.Payload); err != nil {
			return fmt.Errorf("encoding payload of %s: %w", ev.Name, err)
		}
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO device_events (device_id, name, payload, occurred_at) VALUES (?, ?, ?, ?)`,
		ev.DeviceID, ev.Name, payload, j.stamp(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// RecordPropertyChange stores one property change.
func (j *Journal) RecordPropertyChange(ctx context.Context, ch device.PropertyChange) error {
	newValue, err := encode(ch.Value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ch.Name, err)
	}
	if newValue == nil {
		newValue = "null"
	}
	oldValue, err := encode(ch.Previous)
	if err != nil {
		return fmt.Errorf("encoding previous %s: %w", ch.Name, err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO property_changes (device_id, name, old_value, new_value, changed_at) VALUES (?, ?, ?, ?, ?)`,
		ch.DeviceID, ch.Name, oldValue, newValue, j.stamp(ch.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting property change: %w", err)
	}
	return nil
}

// Observer returns a dispatch observer journaling commands of deviceID.
// Write failures are logged.
func (j *Journal) Observer(deviceID string) device.DispatchObserver {
	return func(cmd device.Command, resp device.Response, elapsed time.Duration) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		rec := CommandRecord{
			DeviceID:  deviceID,
			CommandID: cmd.ID,
			Name:      device.CommandName(cmd.Name),
			Status:    resp.Status,
			Source:    cmd.Source,
			Duration:  elapsed,
		}
		if err := j.RecordCommand(ctx, &rec); err != nil {
			j.logger.Warn("journal command write failed", "device_id", deviceID, "command", cmd.Name, "error", err)
		}
	}
}

// RecordCommand stores one command dispatch. LoggedAt defaults to now.
func (j *Journal) RecordCommand(ctx context.Context, rec *CommandRecord) error {
	if rec.LoggedAt.IsZero() {
		rec.LoggedAt = j.now()
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO command_log (device_id, command_id, name, status, source, duration_us, logged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.DeviceID, rec.CommandID, rec.Name, string(rec.Status), rec.Source,
		rec.Duration.Microseconds(), j.stamp(rec.LoggedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	rec.ID, _ = res.LastInsertId() //nolint:errcheck // sqlite3 always reports it
	return nil
}

// ListEvents returns events of deviceID matching filter, newest first.
func (j *Journal) ListEvents(ctx context.Context, deviceID string, filter EventFilter) (*EventPage, error) {
	filter.Limit = clampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	conditions := []string{"device_id = ?"}
	args := []any{deviceID}
	if filter.Name != "" {
		conditions = append(conditions, "name = ?")
		args = append(args, filter.Name)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, j.stamp(filter.Since))
	}
	where := "WHERE " + strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM device_events " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := j.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}

	query := "SELECT id, device_id, name, payload, occurred_at FROM device_events " + where + //nolint:gosec // as above
		" ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := j.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	page := &EventPage{Events: []EventRecord{}, Total: total, Limit: filter.Limit, Offset: filter.Offset}
	for rows.Next() {
		var rec EventRecord
		var payload, occurredAt string
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.Name, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
				return nil, fmt.Errorf("decoding payload of event %d: %w", rec.ID, err)
			}
		}
		if rec.OccurredAt, err = parseStamp(occurredAt); err != nil {
			return nil, err
		}
		page.Events = append(page.Events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return page, nil
}

// ListPropertyChanges returns the changes of one property, newest first.
// An empty name returns changes of every property.
func (j *Journal) ListPropertyChanges(ctx context.Context, deviceID, name string, limit int) ([]ChangeRecord, error) {
	query := "SELECT id, device_id, name, old_value, new_value, changed_at FROM property_changes WHERE device_id = ?"
	args := []any{deviceID}
	if name != "" {
		query += " AND name = ?"
		args = append(args, name)
	}
	query += " ORDER BY changed_at DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying property changes: %w", err)
	}
	defer rows.Close()

	out := []ChangeRecord{}
	for rows.Next() {
		var rec ChangeRecord
		var oldValue sql.NullString
		var newValue, changedAt string
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.Name, &oldValue, &newValue, &changedAt); err != nil {
			return nil, fmt.Errorf("scanning property change: %w", err)
		}
		if err := json.Unmarshal([]byte(newValue), &rec.NewValue); err != nil {
			return nil, fmt.Errorf("decoding property change %d: %w", rec.ID, err)
		}
		if oldValue.Valid {
			if err := json.Unmarshal([]byte(oldValue.String), &rec.OldValue); err != nil {
				return nil, fmt.Errorf("decoding property change %d: %w", rec.ID, err)
			}
		}
		if rec.ChangedAt, err = parseStamp(changedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating property changes: %w", err)
	}
	return out, nil
}

// ListCommands returns the commands dispatched to deviceID, newest first.
func (j *Journal) ListCommands(ctx context.Context, deviceID string, limit int) ([]CommandRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, device_id, command_id, name, status, source, duration_us, logged_at
		 FROM command_log WHERE device_id = ? ORDER BY logged_at DESC, id DESC LIMIT ?`,
		deviceID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	out := []CommandRecord{}
	for rows.Next() {
		var rec CommandRecord
		var status, loggedAt string
		var micros int64
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.CommandID, &rec.Name, &status, &rec.Source, &micros, &loggedAt); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		rec.Status = device.Status(status)
		rec.Duration = time.Duration(micros) * time.Microsecond
		if rec.LoggedAt, err = parseStamp(loggedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return out, nil
}

// Prune deletes every row older than cutoff and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	stamp := j.stamp(cutoff)
	tables := []struct{ table, column string }{
		{"device_events", "occurred_at"},
		{"property_changes", "changed_at"},
		{"command_log", "logged_at"},
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var removed int64
	for _, t := range tables {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+t.table+" WHERE "+t.column+" < ?", stamp) //nolint:gosec // constant identifiers
		if err != nil {
			return 0, fmt.Errorf("pruning %s: %w", t.table, err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports it
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return removed, nil
}

// RunRetention prunes rows older than retention every interval until ctx
// is cancelled.
func (j *Journal) RunRetention(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := j.Prune(ctx, j.now().Add(-retention))
		switch {
		case err != nil:
			j.logger.Warn("journal prune failed", "error", err)
		case n > 0:
			j.logger.Info("journal pruned", "rows", n, "retention", retention)
		}
	}
}

func (j *Journal) stamp(t time.Time) string {
	if t.IsZero() {
		t = j.now()
	}
	return t.UTC().Format(timeLayout)
}

func parseStamp(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing journal timestamp %q: %w", s, err)
	}
	return t, nil
}

// encode returns the JSON text of v, or nil for a nil value.
func encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}
