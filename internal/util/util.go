package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxURLLength bounds accepted destination URLs.
const MaxURLLength = 2000

// GeneratedCodeLength is the size of hash-derived short codes.
const GeneratedCodeLength = 8

var aliasPattern = regexp.MustCompile(`^[a-zA-Z0-9]{5,15}$`)

// ValidateURL reports whether raw is an acceptable destination: http or https
// scheme, non-empty host, at most MaxURLLength characters.
func ValidateURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > MaxURLLength {
		return false
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return false
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return u.Host != ""
}

// ValidateAlias reports whether a caller-supplied alias matches the charset
// and length policy: alphanumeric, 5 to 15 characters.
func ValidateAlias(alias string) bool {
	return aliasPattern.MatchString(alias)
}

// deadline layouts accepted in the expires_at URL parameter, most specific
// first. The zoneless forms are interpreted in server local time.
var deadlineLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ExtractDeadline strips any expires_at query parameter from raw and returns
// the canonical URL plus the parsed deadline, if one was present and valid.
// When the parameter appears more than once the last occurrence wins; an
// unparseable value is dropped along with the parameter.
func ExtractDeadline(raw string) (string, *time.Time) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw), nil
	}

	q := u.Query()
	values, ok := q["expires_at"]
	if !ok {
		return u.String(), nil
	}

	var deadline *time.Time
	if len(values) > 0 {
		last := values[len(values)-1]
		for _, layout := range deadlineLayouts {
			t, perr := time.ParseInLocation(layout, last, time.Local)
			if perr == nil {
				deadline = &t
				break
			}
		}
	}

	q.Del("expires_at")
	u.RawQuery = q.Encode()
	return u.String(), deadline
}

// ParseDomains extracts the top-level zone and the registrable domain (last
// two host labels) from a destination URL. Both are empty when the host
// cannot be determined; a single-label host serves as both.
func ParseDomains(raw string) (tld, registrable string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	host := u.Hostname()
	if host == "" {
		return "", ""
	}
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return host, host
	}
	return parts[len(parts)-1], strings.Join(parts[len(parts)-2:], ".")
}

// DeviceClass classifies a user agent as "mobile" or "desktop" by a
// case-insensitive substring check.
func DeviceClass(userAgent string) string {
	if strings.Contains(strings.ToLower(userAgent), "mobile") {
		return "mobile"
	}
	return "desktop"
}

// NewSalt returns a fresh random salt for code derivation.
func NewSalt() string {
	return uuid.NewString()
}

// ShortCode derives a candidate code by hashing the destination with a salt
// and truncating the hex digest.
func ShortCode(originalURL, salt string) string {
	sum := sha256.Sum256([]byte(originalURL + salt))
	return hex.EncodeToString(sum[:])[:GeneratedCodeLength]
}
