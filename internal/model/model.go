package model

import "time"

// UserID identifies a registered owner. Owner fields are nil for links and
// visits created anonymously.
type UserID int64

// Archival reasons. A link reaches exactly one of these terminal states.
const (
	ReasonDeleted         = "deleted"
	ReasonExpiredAuto     = "expired-auto"
	ReasonExpiredExplicit = "expired-explicit"
)

// Link is an active short link. Exactly one of ExpiresAt/AutoExpiresAt is set
// at creation: ExpiresAt when the caller supplied an explicit deadline,
// AutoExpiresAt otherwise.
type Link struct {
	ID            int64      `db:"id" json:"id"`
	ShortCode     string     `db:"short_code" json:"short_code"`
	OriginalURL   string     `db:"original_url" json:"original_url"`
	Owner         *UserID    `db:"owner_id" json:"owner,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt     *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	AutoExpiresAt *time.Time `db:"auto_expires_at" json:"auto_expires_at,omitempty"`
	LastAccessAt  *time.Time `db:"last_access_at" json:"last_access_at,omitempty"`
}

// Expiry returns whichever deadline applies to the link, or nil.
func (l *Link) Expiry() *time.Time {
	if l.ExpiresAt != nil {
		return l.ExpiresAt
	}
	return l.AutoExpiresAt
}

// Visit records one successful resolution. ShortCode is a value-based
// back-reference: the link may already be archived or deleted by the time a
// visit is read.
type Visit struct {
	ID                int64     `db:"id" json:"id"`
	Owner             *UserID   `db:"owner_id" json:"owner,omitempty"`
	Timestamp         time.Time `db:"ts" json:"timestamp"`
	ShortCode         string    `db:"short_code" json:"short_code"`
	OriginalURL       string    `db:"original_url" json:"original_url"`
	DomainTLD         string    `db:"domain_tld" json:"domain_tld"`
	DomainRegistrable string    `db:"domain_registrable" json:"domain_registrable"`
	IPAddress         string    `db:"ip_address" json:"ip_address"`
	DeviceClass       string    `db:"device_class" json:"device_class"`
	Country           *string   `db:"country" json:"country,omitempty"`
	Referer           *string   `db:"referer" json:"referer,omitempty"`
}

// ArchivedLink is a terminal copy of a Link, written once by the sweeper or
// an explicit delete and retained indefinitely.
type ArchivedLink struct {
	ID             int64      `db:"id" json:"id"`
	ShortCode      string     `db:"short_code" json:"short_code"`
	OriginalURL    string     `db:"original_url" json:"original_url"`
	Owner          *UserID    `db:"owner_id" json:"owner,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt      *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	AutoExpiresAt  *time.Time `db:"auto_expires_at" json:"auto_expires_at,omitempty"`
	LastAccessAt   *time.Time `db:"last_access_at" json:"last_access_at,omitempty"`
	ArchivedAt     time.Time  `db:"archived_at" json:"archived_at"`
	ArchivalReason string     `db:"archival_reason" json:"archival_reason"`
}

// ArchivedVisit mirrors Visit plus the archival stamp.
type ArchivedVisit struct {
	ID                int64     `db:"id" json:"id"`
	Owner             *UserID   `db:"owner_id" json:"owner,omitempty"`
	Timestamp         time.Time `db:"ts" json:"timestamp"`
	ShortCode         string    `db:"short_code" json:"short_code"`
	OriginalURL       string    `db:"original_url" json:"original_url"`
	DomainTLD         string    `db:"domain_tld" json:"domain_tld"`
	DomainRegistrable string    `db:"domain_registrable" json:"domain_registrable"`
	IPAddress         string    `db:"ip_address" json:"ip_address"`
	DeviceClass       string    `db:"device_class" json:"device_class"`
	Country           *string   `db:"country" json:"country,omitempty"`
	Referer           *string   `db:"referer" json:"referer,omitempty"`
	ArchivedAt        time.Time `db:"archived_at" json:"archived_at"`
	ArchivalReason    string    `db:"archival_reason" json:"archival_reason"`
}

// ArchiveLink copies a link into its archived form.
func ArchiveLink(l *Link, at time.Time, reason string) ArchivedLink {
	return ArchivedLink{
		ShortCode:      l.ShortCode,
		OriginalURL:    l.OriginalURL,
		Owner:          l.Owner,
		CreatedAt:      l.CreatedAt,
		ExpiresAt:      l.ExpiresAt,
		AutoExpiresAt:  l.AutoExpiresAt,
		LastAccessAt:   l.LastAccessAt,
		ArchivedAt:     at,
		ArchivalReason: reason,
	}
}

// ArchiveVisit copies a visit into its archived form.
func ArchiveVisit(v *Visit, at time.Time, reason string) ArchivedVisit {
	return ArchivedVisit{
		Owner:             v.Owner,
		Timestamp:         v.Timestamp,
		ShortCode:         v.ShortCode,
		OriginalURL:       v.OriginalURL,
		DomainTLD:         v.DomainTLD,
		DomainRegistrable: v.DomainRegistrable,
		IPAddress:         v.IPAddress,
		DeviceClass:       v.DeviceClass,
		Country:           v.Country,
		Referer:           v.Referer,
		ArchivedAt:        at,
		ArchivalReason:    reason,
	}
}
