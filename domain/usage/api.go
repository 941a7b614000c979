package usage

import (
	"regexp"
	"strings"
	"time"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// API is a metered upstream API, addressed by the first path segment of
// gateway request URIs (value type).
type API struct {
	ID          string
	Slug        string
	Name        string
	UpstreamURL string
	CreatedAt   time.Time
}

// ValidSlug reports whether s can be used as an API slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// SlugFromURI extracts the API slug from a request URI such as
// "/weather/v1/forecast?q=x". It returns "" when the URI has no first segment.
// This is a PURE function.
func SlugFromURI(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	uri = strings.TrimLeft(uri, "/")
	if i := strings.IndexByte(uri, '/'); i >= 0 {
		uri = uri[:i]
	}
	return strings.ToLower(uri)
}
