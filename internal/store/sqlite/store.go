// Package sqlite is the durable store for price alerts and notification
// history. Alert state here is authoritative for trigger-once semantics:
// is_active flips exactly once, inside a single UPDATE.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"marketpipe/internal/model"
)

// Store wraps a single-writer SQLite database in WAL mode.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// DB returns the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (or creates) the database and applies the schema.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer: SQLite serializes writes anyway, and one connection
	// avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("sqlite store opened", slog.String("path", path))
	return &Store{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS price_alerts (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			condition    TEXT NOT NULL,
			target_value TEXT NOT NULL,
			is_active    INTEGER NOT NULL,
			created_at   INTEGER NOT NULL,
			triggered_at INTEGER,
			value_at_trigger TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_user   ON price_alerts(user_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_symbol ON price_alerts(symbol, is_active);

		CREATE TABLE IF NOT EXISTS notifications (
			id        TEXT PRIMARY KEY,
			scope     TEXT NOT NULL,
			type      TEXT NOT NULL,
			title     TEXT NOT NULL,
			message   TEXT NOT NULL,
			payload   TEXT,
			user_id   TEXT,
			priority  TEXT NOT NULL,
			read      INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notif_scope ON notifications(scope, created_at);
		CREATE INDEX IF NOT EXISTS idx_notif_user  ON notifications(user_id, read);
	`)
	return err
}

// ── Alerts ──

// InsertAlert stores a new alert row.
func (s *Store) InsertAlert(ctx context.Context, a model.PriceAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_alerts (id, user_id, symbol, condition, target_value, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Symbol, string(a.Condition), a.TargetValue.String(),
		boolToInt(a.IsActive), a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// MarkAlertTriggered deactivates an alert and records the trigger. The WHERE
// clause on is_active makes the flip atomic: a second caller updates zero
// rows and gets false back.
func (s *Store) MarkAlertTriggered(ctx context.Context, id string, at time.Time, price decimal.Decimal) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE price_alerts
		SET is_active = 0, triggered_at = ?, value_at_trigger = ?
		WHERE id = ? AND is_active = 1`,
		at.UnixNano(), price.String(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark triggered %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteAlert removes an alert regardless of state. Idempotent.
func (s *Store) DeleteAlert(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM price_alerts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete alert %s: %w", id, err)
	}
	return nil
}

// ListAlerts returns a user's alerts, newest first. activeOnly filters out
// triggered history.
func (s *Store) ListAlerts(ctx context.Context, userID string, activeOnly bool) ([]model.PriceAlert, error) {
	q := `SELECT id, user_id, symbol, condition, target_value, is_active, created_at, triggered_at, value_at_trigger
	      FROM price_alerts WHERE user_id = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list alerts for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// LoadActiveAlerts returns every active alert. Used to warm the evaluator on
// startup.
func (s *Store) LoadActiveAlerts(ctx context.Context) ([]model.PriceAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, symbol, condition, target_value, is_active, created_at, triggered_at, value_at_trigger
		FROM price_alerts WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("load active alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// CountAlerts returns the user's total alert count, active and triggered.
func (s *Store) CountAlerts(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM price_alerts WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count alerts for %s: %w", userID, err)
	}
	return n, nil
}

func scanAlerts(rows *sql.Rows) ([]model.PriceAlert, error) {
	var out []model.PriceAlert
	for rows.Next() {
		var (
			a          model.PriceAlert
			cond       string
			target     string
			active     int
			createdNs  int64
			trigNs     sql.NullInt64
			trigValue  sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Symbol, &cond, &target,
			&active, &createdNs, &trigNs, &trigValue); err != nil {
			return nil, err
		}
		tv, err := decimal.NewFromString(target)
		if err != nil {
			return nil, fmt.Errorf("alert %s: bad target %q: %w", a.ID, target, err)
		}
		a.Condition = model.AlertCondition(cond)
		a.TargetValue = tv
		a.IsActive = active == 1
		a.CreatedAt = time.Unix(0, createdNs).UTC()
		if trigNs.Valid {
			t := time.Unix(0, trigNs.Int64).UTC()
			a.TriggeredAt = &t
		}
		if trigValue.Valid {
			if v, err := decimal.NewFromString(trigValue.String); err == nil {
				a.CurrentValueAtTrigger = &v
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ── Notifications ──

// InsertNotification appends to a scope's durable history.
func (s *Store) InsertNotification(ctx context.Context, scope string, n model.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO notifications (id, scope, type, title, message, payload, user_id, priority, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, scope, string(n.Type), n.Title, n.Message, string(n.Payload),
		n.UserID, string(n.Priority), boolToInt(n.Read), n.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	return nil
}

// PruneNotifications keeps only the newest keep rows for a scope.
func (s *Store) PruneNotifications(ctx context.Context, scope string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE scope = ? AND id NOT IN (
			SELECT id FROM notifications WHERE scope = ?
			ORDER BY created_at DESC LIMIT ?
		)`, scope, scope, keep)
	if err != nil {
		return fmt.Errorf("prune notifications %s: %w", scope, err)
	}
	return nil
}

// MarkNotificationRead flips the read flag. Returns false when the id is not
// one of the user's notifications (a no-op, not an error).
func (s *Store) MarkNotificationRead(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("mark read %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UnreadNotifications counts a user's unread rows.
func (s *Store) UnreadNotifications(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count for %s: %w", userID, err)
	}
	return n, nil
}

// ListNotifications returns the newest limit rows for a scope, newest first.
func (s *Store) ListNotifications(ctx context.Context, scope string, limit int) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, title, message, payload, user_id, priority, read, created_at
		FROM notifications WHERE scope = ?
		ORDER BY created_at DESC LIMIT ?`, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications %s: %w", scope, err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var (
			n       model.Notification
			typ     string
			payload sql.NullString
			userID  sql.NullString
			prio    string
			read    int
			tsNs    int64
		)
		if err := rows.Scan(&n.ID, &typ, &n.Title, &n.Message, &payload,
			&userID, &prio, &read, &tsNs); err != nil {
			return nil, err
		}
		n.Type = model.NotificationType(typ)
		if payload.Valid && payload.String != "" {
			n.Payload = []byte(payload.String)
		}
		n.UserID = userID.String
		n.Priority = model.NotificationPriority(prio)
		n.Read = read == 1
		n.Timestamp = time.Unix(0, tsNs).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
