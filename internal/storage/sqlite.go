// Package storage persists the decision log, posture history and
// enforcement audit trail in SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/sentinel-agent/warden/internal/enforcement"
	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

// SQLite implements the storage layer using SQLite3.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLite opens or creates a SQLite database.
func NewSQLite(dsn string, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, werrors.Wrap(werrors.ErrStorage, "opening sqlite", err)
	}
	if dsn == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, werrors.Wrap(werrors.ErrStorage, "pinging sqlite", err)
	}

	s := &SQLite{
		db:     db,
		logger: logger.With().Str("component", "storage").Logger(),
	}

	if err := s.migrate(); err != nil {
		return nil, werrors.Wrap(werrors.ErrStorage, "running migrations", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// migrate creates the database schema.
func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			alert_id TEXT NOT NULL,
			src_ip TEXT NOT NULL,
			signature TEXT NOT NULL,
			score REAL NOT NULL,
			category TEXT NOT NULL,
			method TEXT NOT NULL,
			confidence REAL NOT NULL,
			tiers TEXT NOT NULL DEFAULT '[]',
			degraded INTEGER NOT NULL DEFAULT 0,
			previous_mode INTEGER NOT NULL,
			new_mode INTEGER NOT NULL,
			desired_mode INTEGER NOT NULL,
			moving_average REAL NOT NULL,
			gate_active INTEGER NOT NULL DEFAULT 0,
			actions TEXT NOT NULL DEFAULT '[]',
			reason TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS posture_changes (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			from_mode INTEGER NOT NULL,
			to_mode INTEGER NOT NULL,
			moving_average REAL NOT NULL,
			reason TEXT NOT NULL,
			actor TEXT,
			actions TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS enforcement_events (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			target TEXT NOT NULL,
			kind TEXT NOT NULL,
			grp TEXT,
			action TEXT NOT NULL,
			rule_id TEXT,
			params TEXT NOT NULL DEFAULT '{}',
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			details TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_src ON decisions(src_ip)`,
		`CREATE INDEX IF NOT EXISTS idx_posture_timestamp ON posture_changes(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_enforcement_target ON enforcement_events(target)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration error: %w\nSQL: %s", err, m)
		}
	}

	s.logger.Info().Msg("database migrations complete")
	return nil
}

// --- Decisions ---

// SaveDecision appends a decision record.
func (s *SQLite) SaveDecision(d *types.Decision) error {
	tiersJSON, _ := json.Marshal(d.Tiers)
	actionsJSON, _ := json.Marshal(d.Actions)
	_, err := s.db.Exec(
		`INSERT INTO decisions (id, timestamp, alert_id, src_ip, signature, score, category, method, confidence,
		 tiers, degraded, previous_mode, new_mode, desired_mode, moving_average, gate_active, actions, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Timestamp, d.AlertID, d.SrcIP, d.Signature, d.Score, d.Category, string(d.Method), d.Confidence,
		string(tiersJSON), d.Degraded, int(d.PreviousMode), int(d.NewMode), int(d.DesiredMode),
		d.MovingAverage, d.GateActive, string(actionsJSON), d.Reason,
	)
	if err != nil {
		return werrors.Wrap(werrors.ErrStorage, "saving decision", err)
	}
	return nil
}

const decisionColumns = `id, timestamp, alert_id, src_ip, signature, score, category, method, confidence,
	tiers, degraded, previous_mode, new_mode, desired_mode, moving_average, gate_active, actions, reason`

// RecentDecisions returns the newest decisions first.
func (s *SQLite) RecentDecisions(limit int) ([]types.Decision, error) {
	rows, err := s.db.Query(
		`SELECT `+decisionColumns+` FROM decisions ORDER BY timestamp DESC, created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDecisions(rows)
}

// DecisionsForSource returns the newest decisions for one source address.
func (s *SQLite) DecisionsForSource(srcIP string, limit int) ([]types.Decision, error) {
	rows, err := s.db.Query(
		`SELECT `+decisionColumns+` FROM decisions WHERE src_ip = ? ORDER BY timestamp DESC LIMIT ?`, srcIP, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDecisions(rows)
}

// GetDecision retrieves a decision by ID. It returns nil when absent.
func (s *SQLite) GetDecision(id string) (*types.Decision, error) {
	rows, err := s.db.Query(`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ds, err := scanDecisions(rows)
	if err != nil || len(ds) == 0 {
		return nil, err
	}
	return &ds[0], nil
}

// --- Posture history ---

// SavePostureChange appends a posture transition.
func (s *SQLite) SavePostureChange(c *types.PostureChange) error {
	actionsJSON, _ := json.Marshal(c.Actions)
	_, err := s.db.Exec(
		`INSERT INTO posture_changes (id, timestamp, from_mode, to_mode, moving_average, reason, actor, actions)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), c.Timestamp, int(c.From), int(c.To), c.MovingAverage, c.Reason, c.Actor, string(actionsJSON),
	)
	if err != nil {
		return werrors.Wrap(werrors.ErrStorage, "saving posture change", err)
	}
	return nil
}

// RecentPostureChanges returns the newest transitions first.
func (s *SQLite) RecentPostureChanges(limit int) ([]types.PostureChange, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, from_mode, to_mode, moving_average, reason, actor, actions
		 FROM posture_changes ORDER BY timestamp DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []types.PostureChange
	for rows.Next() {
		var c types.PostureChange
		var from, to int
		var actor sql.NullString
		var actionsJSON string
		if err := rows.Scan(&c.Timestamp, &from, &to, &c.MovingAverage, &c.Reason, &actor, &actionsJSON); err != nil {
			return nil, err
		}
		c.From, c.To, c.Actor = types.Mode(from), types.Mode(to), actor.String
		json.Unmarshal([]byte(actionsJSON), &c.Actions)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// --- Enforcement audit ---

// SaveEnforcementEvent records an install, replace or removal, including
// failed ones.
func (s *SQLite) SaveEnforcementEvent(ev enforcement.Event) error {
	paramsJSON, _ := json.Marshal(ev.Params)
	_, err := s.db.Exec(
		`INSERT INTO enforcement_events (id, timestamp, target, kind, grp, action, rule_id, params, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), ev.Time, ev.Key.Target, string(ev.Key.Kind), ev.Group, string(ev.Action),
		ev.RuleID, string(paramsJSON), ev.Err,
	)
	if err != nil {
		return werrors.Wrap(werrors.ErrStorage, "saving enforcement event", err)
	}
	return nil
}

// EnforcementEvents returns the newest events, optionally for one target.
func (s *SQLite) EnforcementEvents(target string, limit int) ([]enforcement.Event, error) {
	query := `SELECT timestamp, target, kind, grp, action, rule_id, params, error FROM enforcement_events`
	args := []interface{}{}
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []enforcement.Event
	for rows.Next() {
		var ev enforcement.Event
		var kind, action, paramsJSON string
		var group, ruleID, errText sql.NullString
		if err := rows.Scan(&ev.Time, &ev.Key.Target, &kind, &group, &action, &ruleID, &paramsJSON, &errText); err != nil {
			return nil, err
		}
		ev.Key.Kind = enforcement.Kind(kind)
		ev.Action = enforcement.StepAction(action)
		ev.Group, ev.RuleID, ev.Err = group.String, ruleID.String, errText.String
		json.Unmarshal([]byte(paramsJSON), &ev.Params)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Audit Log ---

// SaveAuditEntry records an operator action.
func (s *SQLite) SaveAuditEntry(entry *types.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (id, action, actor, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.Actor, entry.Details, entry.Timestamp,
	)
	return err
}

// GetAuditLog returns recent audit entries.
func (s *SQLite) GetAuditLog(limit int) ([]types.AuditEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, action, actor, details, timestamp FROM audit_log ORDER BY timestamp DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Retention & stats ---

// Prune deletes decisions, posture changes and enforcement events older
// than before. It returns the number of rows removed.
func (s *SQLite) Prune(before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"decisions", "posture_changes", "enforcement_events"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE timestamp < ?`, before)
		if err != nil {
			return total, werrors.Wrap(werrors.ErrStorage, "pruning "+table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Info().Int64("rows", total).Time("before", before).Msg("pruned history")
	}
	return total, nil
}

// DecisionCount returns the total number of stored decisions.
func (s *SQLite) DecisionCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM decisions").Scan(&count)
	return count, err
}

// DegradedCount returns the number of decisions flagged degraded.
func (s *SQLite) DegradedCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM decisions WHERE degraded = 1").Scan(&count)
	return count, err
}

// MethodCounts returns decision counts per evaluation method.
func (s *SQLite) MethodCounts() (map[string]int, error) {
	rows, err := s.db.Query("SELECT method, COUNT(*) FROM decisions GROUP BY method")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var method string
		var n int
		if err := rows.Scan(&method, &n); err != nil {
			return nil, err
		}
		counts[method] = n
	}
	return counts, rows.Err()
}

// --- Scan helpers ---

func scanDecisions(rows *sql.Rows) ([]types.Decision, error) {
	var decisions []types.Decision
	for rows.Next() {
		var d types.Decision
		var method, tiersJSON, actionsJSON string
		var prev, next, desired int
		var reason sql.NullString
		if err := rows.Scan(&d.ID, &d.Timestamp, &d.AlertID, &d.SrcIP, &d.Signature, &d.Score, &d.Category,
			&method, &d.Confidence, &tiersJSON, &d.Degraded, &prev, &next, &desired,
			&d.MovingAverage, &d.GateActive, &actionsJSON, &reason); err != nil {
			return nil, err
		}
		d.Method = types.EvaluationMethod(method)
		d.PreviousMode, d.NewMode, d.DesiredMode = types.Mode(prev), types.Mode(next), types.Mode(desired)
		d.Reason = reason.String
		json.Unmarshal([]byte(tiersJSON), &d.Tiers)
		json.Unmarshal([]byte(actionsJSON), &d.Actions)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
