// Package store provides the durable, transactional record of operator
// intent: blocking rules and the attempt log. It is the sole source of
// truth — the rule engine's in-memory cache is always rebuilt from it, never
// the other way around.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// TargetKind classifies what a rule's target string denotes.
type TargetKind string

const (
	TargetIP     TargetKind = "ip"
	TargetDomain TargetKind = "domain"
)

// Rule is a single durable blocking rule row.
type Rule struct {
	ID         int64
	App        string
	Target     string
	TargetKind TargetKind
	ResolvedV4 []net.IP
	ResolvedV6 []net.IP
	CreatedAt  time.Time
	Active     bool
}

// AllResolved returns every resolved address across both families.
func (r Rule) AllResolved() []net.IP {
	out := make([]net.IP, 0, len(r.ResolvedV4)+len(r.ResolvedV6))
	out = append(out, r.ResolvedV4...)
	out = append(out, r.ResolvedV6...)
	return out
}

// AttemptLog is a single append-only observation of a connection attempt.
type AttemptLog struct {
	ID        int64
	RuleID    sql.NullInt64
	Timestamp time.Time
	App       string
	Source    string
	Target    string
	Detail    string
}

// Store is the durable record of blocking_rules and blocked_attempts.
type Store interface {
	// InsertRule persists a new rule and assigns its id.
	InsertRule(ctx context.Context, r *Rule) (int64, error)
	// UpdateResolved overwrites a rule's resolved address sets.
	UpdateResolved(ctx context.Context, id int64, v4, v6 []net.IP) error
	// Deactivate marks a rule inactive (logical removal).
	Deactivate(ctx context.Context, id int64) error
	// GetRule reads a single rule by id, active or not.
	GetRule(ctx context.Context, id int64) (*Rule, error)
	// ListActive returns every rule with active = true.
	ListActive(ctx context.Context) ([]Rule, error)
	// AppendAttempt records an attempt log entry.
	AppendAttempt(ctx context.Context, a *AttemptLog) error
	// TailAttempts returns the n most recent attempt log entries, newest first.
	TailAttempts(ctx context.Context, n int) ([]AttemptLog, error)
	// Close releases the underlying connection.
	Close() error
}

// SQLStore implements Store over database/sql with the pure-Go sqlite driver.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// Open opens (creating if absent) the SQLite database at path and ensures
// the schema exists.
func Open(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// the rule engine is single-writer; one connection avoids SQLITE_BUSY
	// without needing a busy_timeout dance.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS blocking_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	app TEXT NOT NULL,
	target TEXT NOT NULL,
	target_kind TEXT NOT NULL,
	resolved_ips TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_blocking_rules_app ON blocking_rules(app);
CREATE INDEX IF NOT EXISTS idx_blocking_rules_active ON blocking_rules(active);

CREATE TABLE IF NOT EXISTS blocked_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	rule_id INTEGER,
	timestamp TIMESTAMP NOT NULL,
	app TEXT NOT NULL,
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	detail TEXT NOT NULL,
	FOREIGN KEY (rule_id) REFERENCES blocking_rules(id)
);
CREATE INDEX IF NOT EXISTS idx_blocked_attempts_timestamp ON blocked_attempts(timestamp);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// InsertRule persists a new rule and assigns its id.
func (s *SQLStore) InsertRule(ctx context.Context, r *Rule) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO blocking_rules (app, target, target_kind, resolved_ips, created_at, active)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.App, r.Target, string(r.TargetKind), joinIPs(r.ResolvedV4, r.ResolvedV6), r.CreatedAt, boolToInt(r.Active))
	if err != nil {
		return 0, fmt.Errorf("inserting rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted rule id: %w", err)
	}
	return id, nil
}

// UpdateResolved overwrites a rule's resolved address sets.
func (s *SQLStore) UpdateResolved(ctx context.Context, id int64, v4, v6 []net.IP) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocking_rules SET resolved_ips = ? WHERE id = ?`,
		joinIPs(v4, v6), id)
	if err != nil {
		return fmt.Errorf("updating resolved ips: %w", err)
	}
	return requireRowsAffected(res)
}

// Deactivate marks a rule inactive.
func (s *SQLStore) Deactivate(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE blocking_rules SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating rule: %w", err)
	}
	return requireRowsAffected(res)
}

// GetRule reads a single rule by id, active or not.
func (s *SQLStore) GetRule(ctx context.Context, id int64) (*Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app, target, target_kind, resolved_ips, created_at, active
		 FROM blocking_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListActive returns every rule with active = true.
func (s *SQLStore) ListActive(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app, target, target_kind, resolved_ips, created_at, active
		 FROM blocking_rules WHERE active = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRuleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// AppendAttempt records an attempt log entry.
func (s *SQLStore) AppendAttempt(ctx context.Context, a *AttemptLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocked_attempts (rule_id, timestamp, app, source, target, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.RuleID, a.Timestamp, a.App, a.Source, a.Target, a.Detail)
	if err != nil {
		return fmt.Errorf("appending attempt: %w", err)
	}
	return nil
}

// TailAttempts returns the n most recent attempt log entries, newest first.
func (s *SQLStore) TailAttempts(ctx context.Context, n int) ([]AttemptLog, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, timestamp, app, source, target, detail
		 FROM blocked_attempts ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("tailing attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptLog
	for rows.Next() {
		var a AttemptLog
		if err := rows.Scan(&a.ID, &a.RuleID, &a.Timestamp, &a.App, &a.Source, &a.Target, &a.Detail); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close releases the underlying connection.
func (s *SQLStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r           Rule
		kind        string
		resolvedIPs string
		active      int
	)
	if err := row.Scan(&r.ID, &r.App, &r.Target, &kind, &resolvedIPs, &r.CreatedAt, &active); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning rule: %w", err)
	}
	r.TargetKind = TargetKind(kind)
	r.Active = active != 0
	r.ResolvedV4, r.ResolvedV6 = splitIPs(resolvedIPs)
	return &r, nil
}

func scanRuleRow(rows *sql.Rows) (*Rule, error) {
	return scanRule(rows)
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// joinIPs serializes resolved_v4 ∪ resolved_v6 into the comma-joined
// resolved_ips column, v4 entries first, then v6, each family in its
// original order.
func joinIPs(v4, v6 []net.IP) string {
	all := make([]string, 0, len(v4)+len(v6))
	for _, ip := range v4 {
		all = append(all, ip.String())
	}
	for _, ip := range v6 {
		all = append(all, ip.String())
	}
	return strings.Join(all, ",")
}

// splitIPs parses the comma-joined resolved_ips column back into disjoint
// v4/v6 slices, classifying each literal by family.
func splitIPs(s string) (v4, v6 []net.IP) {
	if s == "" {
		return nil, nil
	}
	for _, part := range strings.Split(s, ",") {
		ip := net.ParseIP(strings.TrimSpace(part))
		if ip == nil {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			v4 = append(v4, ip4)
		} else {
			v6 = append(v6, ip)
		}
	}
	return v4, v6
}
