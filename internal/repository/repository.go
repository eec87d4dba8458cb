// Package repository is the durable store. It is the single source of truth
// for short-code uniqueness: reservation is finalized by the conditional
// insert against the unique index, and the cache is only re-populated after a
// successful commit.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"shortlinker/internal/model"
)

// ErrNotFound sentinel for absent rows.
var ErrNotFound = errors.New("not found")

// ErrCodeTaken reports a conditional insert that lost to a concurrent
// reservation of the same short code.
var ErrCodeTaken = errors.New("short code already taken")

const uniqueViolation = "23505"

const linkColumns = `id, short_code, original_url, owner_id, created_at, expires_at, auto_expires_at, last_access_at`

type Repo struct {
	DB *sql.DB
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*model.Link, error) {
	var (
		l       model.Link
		owner   sql.NullInt64
		expires sql.NullTime
		autoExp sql.NullTime
		lastAcc sql.NullTime
	)
	err := row.Scan(&l.ID, &l.ShortCode, &l.OriginalURL, &owner, &l.CreatedAt, &expires, &autoExp, &lastAcc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if owner.Valid {
		id := model.UserID(owner.Int64)
		l.Owner = &id
	}
	if expires.Valid {
		t := expires.Time
		l.ExpiresAt = &t
	}
	if autoExp.Valid {
		t := autoExp.Time
		l.AutoExpiresAt = &t
	}
	if lastAcc.Valid {
		t := lastAcc.Time
		l.LastAccessAt = &t
	}
	return &l, nil
}

// GetByShortCode returns the active link for code.
func (r *Repo) GetByShortCode(ctx context.Context, code string) (*model.Link, error) {
	q := `SELECT ` + linkColumns + ` FROM short_links WHERE short_code = $1`
	return scanLink(r.DB.QueryRowContext(ctx, q, code))
}

// GetByOriginalURL returns the most recently created active link for a
// destination URL.
func (r *Repo) GetByOriginalURL(ctx context.Context, original string) (*model.Link, error) {
	q := `SELECT ` + linkColumns + ` FROM short_links WHERE original_url = $1 ORDER BY created_at DESC LIMIT 1`
	return scanLink(r.DB.QueryRowContext(ctx, q, original))
}

// ExistsActive reports whether code identifies an active link.
func (r *Repo) ExistsActive(ctx context.Context, code string) (bool, error) {
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM short_links WHERE short_code = $1)`
	if err := r.DB.QueryRowContext(ctx, q, code).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Insert reserves the short code and persists the link. Returns ErrCodeTaken
// when the unique index rejects the code.
func (r *Repo) Insert(ctx context.Context, l *model.Link) error {
	q := `
		INSERT INTO short_links (short_code, original_url, owner_id, created_at, expires_at, auto_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	var owner any
	if l.Owner != nil {
		owner = int64(*l.Owner)
	}
	err := r.DB.QueryRowContext(ctx, q, l.ShortCode, l.OriginalURL, owner, l.CreatedAt, l.ExpiresAt, l.AutoExpiresAt).Scan(&l.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrCodeTaken
		}
		return err
	}
	return nil
}

// RecordVisit persists a visit and refreshes the link's liveness stamp in one
// transaction. Either both land or neither does.
func (r *Repo) RecordVisit(ctx context.Context, v *model.Visit) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var owner any
	if v.Owner != nil {
		owner = int64(*v.Owner)
	}
	q := `
		INSERT INTO visits (owner_id, ts, short_code, original_url, domain_tld, domain_registrable, ip_address, device_class, country, referer)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	if err := tx.QueryRowContext(ctx, q, owner, v.Timestamp, v.ShortCode, v.OriginalURL,
		v.DomainTLD, v.DomainRegistrable, v.IPAddress, v.DeviceClass, v.Country, v.Referer).Scan(&v.ID); err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE short_links SET last_access_at = $2 WHERE short_code = $1`,
		v.ShortCode, v.Timestamp); err != nil {
		return fmt.Errorf("update last access: %w", err)
	}

	return tx.Commit()
}

// VisitCount counts recorded visits for a code.
func (r *Repo) VisitCount(ctx context.Context, code string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM visits WHERE short_code = $1`, code).Scan(&n)
	return n, err
}

const visitColumns = `id, owner_id, ts, short_code, original_url, domain_tld, domain_registrable, ip_address, device_class, country, referer`

func scanVisit(rows *sql.Rows) (*model.Visit, error) {
	var (
		v       model.Visit
		owner   sql.NullInt64
		tld     sql.NullString
		reg     sql.NullString
		country sql.NullString
		referer sql.NullString
	)
	if err := rows.Scan(&v.ID, &owner, &v.Timestamp, &v.ShortCode, &v.OriginalURL,
		&tld, &reg, &v.IPAddress, &v.DeviceClass, &country, &referer); err != nil {
		return nil, err
	}
	if owner.Valid {
		id := model.UserID(owner.Int64)
		v.Owner = &id
	}
	v.DomainTLD = tld.String
	v.DomainRegistrable = reg.String
	if country.Valid {
		s := country.String
		v.Country = &s
	}
	if referer.Valid {
		s := referer.String
		v.Referer = &s
	}
	return &v, nil
}

// VisitsFor returns all visits referencing any of the given codes.
func (r *Repo) VisitsFor(ctx context.Context, codes []string) ([]model.Visit, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	q := `SELECT ` + visitColumns + ` FROM visits WHERE short_code = ANY($1)`
	rows, err := r.DB.QueryContext(ctx, q, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *v)
	}
	return res, rows.Err()
}

// VisitsByOwner returns an owner's visits on active links, optionally
// filtered to one code.
func (r *Repo) VisitsByOwner(ctx context.Context, owner model.UserID, code string) ([]model.Visit, error) {
	q := `SELECT ` + visitColumns + ` FROM visits WHERE owner_id = $1`
	args := []any{int64(owner)}
	if code != "" {
		q += ` AND short_code = $2`
		args = append(args, code)
	}
	q += ` ORDER BY ts`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *v)
	}
	return res, rows.Err()
}

// ArchivedVisitsByOwner returns an owner's archived visits, optionally
// filtered to one code.
func (r *Repo) ArchivedVisitsByOwner(ctx context.Context, owner model.UserID, code string) ([]model.ArchivedVisit, error) {
	q := `SELECT ` + visitColumns + `, archived_at, archival_reason FROM visit_archives WHERE owner_id = $1`
	args := []any{int64(owner)}
	if code != "" {
		q += ` AND short_code = $2`
		args = append(args, code)
	}
	q += ` ORDER BY ts`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.ArchivedVisit
	for rows.Next() {
		var (
			v       model.ArchivedVisit
			owner   sql.NullInt64
			tld     sql.NullString
			reg     sql.NullString
			country sql.NullString
			referer sql.NullString
		)
		if err := rows.Scan(&v.ID, &owner, &v.Timestamp, &v.ShortCode, &v.OriginalURL,
			&tld, &reg, &v.IPAddress, &v.DeviceClass, &country, &referer,
			&v.ArchivedAt, &v.ArchivalReason); err != nil {
			return nil, err
		}
		if owner.Valid {
			id := model.UserID(owner.Int64)
			v.Owner = &id
		}
		v.DomainTLD = tld.String
		v.DomainRegistrable = reg.String
		if country.Valid {
			s := country.String
			v.Country = &s
		}
		if referer.Valid {
			s := referer.String
			v.Referer = &s
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// UpdateDestination rewrites a link's destination, restarting its lifecycle:
// created_at moves to now, the automatic deadline is recomputed and both the
// explicit deadline and the liveness stamp are cleared.
func (r *Repo) UpdateDestination(ctx context.Context, code, newURL string, now, autoExpiresAt time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE short_links
		SET original_url = $2, created_at = $3, auto_expires_at = $4, expires_at = NULL, last_access_at = NULL
		WHERE short_code = $1
	`, code, newURL, now, autoExpiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindExpired returns every active link whose explicit or automatic deadline
// has passed.
func (r *Repo) FindExpired(ctx context.Context, now time.Time) ([]model.Link, error) {
	q := `SELECT ` + linkColumns + ` FROM short_links WHERE auto_expires_at < $1 OR expires_at < $1`
	rows, err := r.DB.QueryContext(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *l)
	}
	return res, rows.Err()
}

// Archive moves a batch of links and their visits to the archive tables and
// deletes the live rows, all in one transaction. Partial archival never
// commits.
func (r *Repo) Archive(ctx context.Context, links []model.ArchivedLink, visits []model.ArchivedVisit, codes []string) error {
	if len(links) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	linkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO short_links_archive (short_code, original_url, owner_id, created_at, expires_at, auto_expires_at, last_access_at, archived_at, archival_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return err
	}
	defer linkStmt.Close()

	for _, l := range links {
		var owner any
		if l.Owner != nil {
			owner = int64(*l.Owner)
		}
		if _, err := linkStmt.ExecContext(ctx, l.ShortCode, l.OriginalURL, owner,
			l.CreatedAt, l.ExpiresAt, l.AutoExpiresAt, l.LastAccessAt,
			l.ArchivedAt, l.ArchivalReason); err != nil {
			return fmt.Errorf("archive link %s: %w", l.ShortCode, err)
		}
	}

	visitStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO visit_archives (owner_id, ts, short_code, original_url, domain_tld, domain_registrable, ip_address, device_class, country, referer, archived_at, archival_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	if err != nil {
		return err
	}
	defer visitStmt.Close()

	for _, v := range visits {
		var owner any
		if v.Owner != nil {
			owner = int64(*v.Owner)
		}
		if _, err := visitStmt.ExecContext(ctx, owner, v.Timestamp, v.ShortCode, v.OriginalURL,
			v.DomainTLD, v.DomainRegistrable, v.IPAddress, v.DeviceClass, v.Country, v.Referer,
			v.ArchivedAt, v.ArchivalReason); err != nil {
			return fmt.Errorf("archive visit for %s: %w", v.ShortCode, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM visits WHERE short_code = ANY($1)`, codes); err != nil {
		return fmt.Errorf("delete visits: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM short_links WHERE short_code = ANY($1)`, codes); err != nil {
		return fmt.Errorf("delete links: %w", err)
	}

	return tx.Commit()
}
