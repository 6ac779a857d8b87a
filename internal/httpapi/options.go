package httpapi

import "net/http"

// DefaultMaxBodyBytes bounds request bodies when Options leaves it unset.
const DefaultMaxBodyBytes int64 = 1 << 16

// Options tunes the status server.
type Options struct {
	Addr string
	// MaxBodyBytes bounds POST bodies; zero or less selects DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// CORSOrigins enables CORS for the listed origins. Empty disables it.
	CORSOrigins []string
}

func (o Options) bodyLimit() int64 {
	if o.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return o.MaxBodyBytes
}

var corsMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}

var corsHeaders = []string{"Content-Type"}
