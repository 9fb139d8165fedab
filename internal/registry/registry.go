package registry

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// EntitlementRegistry provides get/upsert-by-key operations for entitlement
// records backed by SQLite. Writes go through a single connection, so
// concurrent upserts for the same account are serialized at the store and
// each Upsert merges against the latest persisted row rather than a value
// the caller read earlier.
type EntitlementRegistry struct {
	db *sql.DB
}

// NewEntitlementRegistry opens (or creates) the entitlement database in dir.
func NewEntitlementRegistry(dir string) (*EntitlementRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &EntitlementRegistry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *EntitlementRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		account_id              TEXT PRIMARY KEY,
		plan                    TEXT NOT NULL DEFAULT 'trial',
		trial_ends_at           INTEGER NOT NULL,
		period_ends_at          INTEGER,
		grace_ends_at           INTEGER NOT NULL,
		last_payment_session_id TEXT NOT NULL DEFAULT '',
		last_payment_at         INTEGER,
		last_payment_minor      INTEGER NOT NULL DEFAULT 0,
		last_payment_currency   TEXT NOT NULL DEFAULT '',
		receipt_url             TEXT NOT NULL DEFAULT '',
		hosted_invoice_url      TEXT NOT NULL DEFAULT '',
		invoice_pdf             TEXT NOT NULL DEFAULT '',
		status                  TEXT NOT NULL DEFAULT 'trial',
		locked                  INTEGER NOT NULL DEFAULT 0,
		reason                  TEXT NOT NULL DEFAULT '',
		created_at              INTEGER NOT NULL,
		updated_at              INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_status ON entitlements(status);
	CREATE INDEX IF NOT EXISTS idx_entitlements_session ON entitlements(last_payment_session_id);

	CREATE TABLE IF NOT EXISTS accounts (
		id           TEXT PRIMARY KEY,
		email        TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL DEFAULT '',
		role         TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *EntitlementRegistry) Ping() error {
	return r.db.Ping()
}

// Close closes the underlying database connection.
func (r *EntitlementRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const recordColumns = `
	account_id, plan, trial_ends_at, period_ends_at, grace_ends_at,
	last_payment_session_id, last_payment_at, last_payment_minor, last_payment_currency,
	receipt_url, hosted_invoice_url, invoice_pdf,
	status, locked, reason, created_at, updated_at`

// Get retrieves the entitlement record for an account. A missing row yields
// (nil, nil). A row whose stored values cannot be converted is dropped after
// a log entry and reads as absent, so the service recreates a fresh trial
// instead of failing every request over a corrupt record. Transient driver
// errors (busy or closed database) surface to the caller untouched.
func (r *EntitlementRegistry) Get(accountID string) (*Record, error) {
	row := r.db.QueryRow(`SELECT`+recordColumns+` FROM entitlements WHERE account_id = ?`, accountID)
	rec, err := scanRecord(row)
	if err != nil {
		if !isMalformedRow(err) {
			return nil, err
		}
		log.Warn().Err(err).Str("account_id", accountID).Msg("Malformed entitlement record, dropping so a fresh trial can be created")
		if _, delErr := r.db.Exec(`DELETE FROM entitlements WHERE account_id = ?`, accountID); delErr != nil {
			log.Error().Err(delErr).Str("account_id", accountID).Msg("Failed to drop malformed entitlement record")
		}
		return nil, nil
	}
	return rec, nil
}

// isMalformedRow reports whether a scan failure came from database/sql
// refusing to convert a stored value into the destination type, as opposed
// to a driver-level error.
func isMalformedRow(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Scan error on column")
}

// Upsert applies a merge-patch to the record for accountID, creating the row
// if it does not exist. Fields not set on the patch keep their stored value;
// trial_ends_at is written only at creation and never overwritten afterwards.
// The merged record is read back and returned.
func (r *EntitlementRegistry) Upsert(accountID string, p Patch) (*Record, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("account id is required")
	}
	now := time.Now().UTC()

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRow(`SELECT COUNT(*) > 0 FROM entitlements WHERE account_id = ?`, accountID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check entitlement exists: %w", err)
	}

	if !exists {
		if p.TrialEndsAt == nil || p.GraceEndsAt == nil {
			return nil, fmt.Errorf("creating entitlement for %q requires trial and grace windows", accountID)
		}
		plan := PlanTrial
		if p.Plan != nil {
			plan = *p.Plan
		}
		status := StatusTrial
		if p.Status != nil {
			status = *p.Status
		}
		_, err := tx.Exec(`
			INSERT INTO entitlements (
				account_id, plan, trial_ends_at, period_ends_at, grace_ends_at,
				last_payment_session_id, last_payment_at, last_payment_minor, last_payment_currency,
				receipt_url, hosted_invoice_url, invoice_pdf,
				status, locked, reason, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			accountID, string(plan), p.TrialEndsAt.Unix(), nullableTimeUnix(p.PeriodEndsAt), p.GraceEndsAt.Unix(),
			strOrEmpty(p.LastPaymentSessionID), nullableTimeUnix(p.LastPaymentAt), i64OrZero(p.LastPaymentMinor), strOrEmpty(p.LastPaymentCurrency),
			strOrEmpty(p.ReceiptURL), strOrEmpty(p.HostedInvoiceURL), strOrEmpty(p.InvoicePDF),
			string(status), boolToInt(p.Locked != nil && *p.Locked), strOrEmpty(p.Reason), now.Unix(), now.Unix(),
		)
		if err != nil {
			return nil, fmt.Errorf("create entitlement: %w", err)
		}
	} else {
		sets := []string{"updated_at = ?"}
		args := []any{now.Unix()}
		appendSet := func(col string, v any) {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
		if p.Plan != nil {
			appendSet("plan", string(*p.Plan))
		}
		if p.PeriodEndsAt != nil {
			appendSet("period_ends_at", p.PeriodEndsAt.Unix())
		}
		if p.GraceEndsAt != nil {
			appendSet("grace_ends_at", p.GraceEndsAt.Unix())
		}
		if p.LastPaymentSessionID != nil {
			appendSet("last_payment_session_id", *p.LastPaymentSessionID)
		}
		if p.LastPaymentAt != nil {
			appendSet("last_payment_at", p.LastPaymentAt.Unix())
		}
		if p.LastPaymentMinor != nil {
			appendSet("last_payment_minor", *p.LastPaymentMinor)
		}
		if p.LastPaymentCurrency != nil {
			appendSet("last_payment_currency", *p.LastPaymentCurrency)
		}
		if p.ReceiptURL != nil {
			appendSet("receipt_url", *p.ReceiptURL)
		}
		if p.HostedInvoiceURL != nil {
			appendSet("hosted_invoice_url", *p.HostedInvoiceURL)
		}
		if p.InvoicePDF != nil {
			appendSet("invoice_pdf", *p.InvoicePDF)
		}
		if p.Status != nil {
			appendSet("status", string(*p.Status))
		}
		if p.Locked != nil {
			appendSet("locked", boolToInt(*p.Locked))
		}
		if p.Reason != nil {
			appendSet("reason", *p.Reason)
		}
		args = append(args, accountID)
		query := "UPDATE entitlements SET " + strings.Join(sets, ", ") + " WHERE account_id = ?"
		if _, err := tx.Exec(query, args...); err != nil {
			return nil, fmt.Errorf("merge entitlement: %w", err)
		}
	}

	row := tx.QueryRow(`SELECT`+recordColumns+` FROM entitlements WHERE account_id = ?`, accountID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("read back entitlement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return rec, nil
}

// List returns all entitlement records, newest first. Rows that fail to
// scan are skipped with a log entry rather than failing the listing.
func (r *EntitlementRegistry) List() ([]*Record, error) {
	rows, err := r.db.Query(`SELECT` + recordColumns + ` FROM entitlements ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list entitlements: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping unreadable entitlement record")
			continue
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

// CountByStatus returns a map of cached status -> record count.
func (r *EntitlementRegistry) CountByStatus() (map[Status]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM entitlements GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count entitlements by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// Report returns the administrative reporting rows: every entitlement record
// left-joined with the identity on file for its account.
func (r *EntitlementRegistry) Report() ([]*ReportRow, error) {
	rows, err := r.db.Query(`
		SELECT e.account_id, COALESCE(a.email, ''), COALESCE(a.name, ''),
			e.plan, e.status, e.period_ends_at,
			e.last_payment_at, e.last_payment_minor, e.last_payment_currency,
			e.receipt_url, e.hosted_invoice_url, e.invoice_pdf
		FROM entitlements e
		LEFT JOIN accounts a ON a.id = e.account_id
		ORDER BY e.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("report entitlements: %w", err)
	}
	defer rows.Close()

	var out []*ReportRow
	for rows.Next() {
		var row ReportRow
		var plan, status string
		var periodEndsAt, lastPaymentAt sql.NullInt64
		if err := rows.Scan(
			&row.AccountID, &row.Email, &row.Name,
			&plan, &status, &periodEndsAt,
			&lastPaymentAt, &row.LastPaymentMinor, &row.LastPaymentCurrency,
			&row.ReceiptURL, &row.HostedInvoiceURL, &row.InvoicePDF,
		); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		row.Plan = Plan(plan)
		row.Status = Status(status)
		row.PeriodEndsAt = unixPtr(periodEndsAt)
		row.LastPaymentAt = unixPtr(lastPaymentAt)
		out = append(out, &row)
	}
	return out, rows.Err()
}

// UpsertAccount records (or refreshes) the identity the auth collaborator
// supplied for an account. Called on every authenticated request.
func (r *EntitlementRegistry) UpsertAccount(a *Account) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("account id is required")
	}
	now := time.Now().UTC()
	_, err := r.db.Exec(`
		INSERT INTO accounts (id, email, name, role, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			role = excluded.role,
			last_seen_at = excluded.last_seen_at`,
		a.ID, a.Email, a.Name, a.Role, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// GetAccount retrieves an identity row by account ID, or nil if none.
func (r *EntitlementRegistry) GetAccount(id string) (*Account, error) {
	row := r.db.QueryRow(`SELECT id, email, name, role, created_at, last_seen_at FROM accounts WHERE id = ?`, id)
	var a Account
	var createdAt, lastSeenAt int64
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.Role, &createdAt, &lastSeenAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.LastSeenAt = time.Unix(lastSeenAt, 0).UTC()
	return &a, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var plan, status string
	var trialEndsAt, graceEndsAt, createdAt, updatedAt int64
	var periodEndsAt, lastPaymentAt sql.NullInt64
	var locked int

	err := s.Scan(
		&rec.AccountID, &plan, &trialEndsAt, &periodEndsAt, &graceEndsAt,
		&rec.LastPaymentSessionID, &lastPaymentAt, &rec.LastPaymentMinor, &rec.LastPaymentCurrency,
		&rec.ReceiptURL, &rec.HostedInvoiceURL, &rec.InvoicePDF,
		&status, &locked, &rec.Reason, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	rec.Plan = Plan(plan)
	rec.Status = Status(status)
	rec.TrialEndsAt = time.Unix(trialEndsAt, 0).UTC()
	rec.GraceEndsAt = time.Unix(graceEndsAt, 0).UTC()
	rec.PeriodEndsAt = unixPtr(periodEndsAt)
	rec.LastPaymentAt = unixPtr(lastPaymentAt)
	rec.Locked = locked != 0
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func i64OrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
