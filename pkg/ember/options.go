package ember

import (
	"sort"
	"time"
)

// Options holds the runtime configuration for a Server and the Connections
// it creates. The zero value is not ready to use; call DefaultOptions and
// override fields, mirroring the Config / DefaultConfig pattern the teacher
// repo uses for its own HTTP server (shockwave/pkg/shockwave/server).
type Options struct {
	// ConnectionLimit is the global cap on concurrently admitted
	// connections. Zero means unlimited.
	ConnectionLimit int

	// ConnectionsPerIPLimit is the per-network-id cap. Zero means
	// unlimited. Loopback and unix-domain sockets are exempt (spec §4.7).
	ConnectionsPerIPLimit int

	// IOGranularity is the maximum number of bytes read from a socket per
	// ReadPump iteration.
	IOGranularity int

	// AllowedMethods is the set of HTTP method tokens the Connection will
	// dispatch to the RequestHandler. Anything else is rejected before the
	// handler is invoked (§4.5 step 1).
	AllowedMethods map[string]struct{}

	// IsCompressionEnabled is a pass-through flag read by a compression
	// middleware that sits outside this core; the core never compresses a
	// response body itself.
	IsCompressionEnabled bool

	// IsInDebugMode switches the exception response (§4.5 step 4) from the
	// ErrorHandler-derived page to the templated HTML debug page, which shows
	// the request path and the error's type and message. The page's file,
	// line and trace fields are rendered empty.
	IsInDebugMode bool

	// IdleTimeout is the duration of inactivity after which the
	// TimeoutCache reaper closes a connection.
	IdleTimeout time.Duration

	// MaxRequestsPerConnection caps keep-alive requests on a single
	// connection before it is closed after its current response drains.
	// Zero means unlimited. Grounded on the teacher's
	// ConnectionConfig.MaxRequests (shockwave/pkg/shockwave/http11/connection.go).
	MaxRequestsPerConnection int

	// StopDrainTimeout bounds how long Server.Stop waits for in-flight
	// responses to flush before force-closing stragglers.
	StopDrainTimeout time.Duration

	// TimeoutTickInterval is the period of the idle-connection reaper.
	// Spec §4.8 fixes this at 1 second; exposed here for tests.
	TimeoutTickInterval time.Duration
}

// DefaultOptions returns an Options with the defaults spec.md §6 and §4.8
// imply: a 1-second reaper tick, a 64 KiB read granularity, and
// GET/HEAD/POST/PUT/DELETE/OPTIONS/PATCH allowed.
func DefaultOptions() Options {
	return Options{
		ConnectionLimit:          0,
		ConnectionsPerIPLimit:    0,
		IOGranularity:            64 * 1024,
		AllowedMethods:           defaultAllowedMethods(),
		IsCompressionEnabled:     false,
		IsInDebugMode:            false,
		IdleTimeout:              120 * time.Second,
		MaxRequestsPerConnection: 0,
		StopDrainTimeout:         30 * time.Second,
		TimeoutTickInterval:      time.Second,
	}
}

func defaultAllowedMethods() map[string]struct{} {
	return map[string]struct{}{
		"GET":     {},
		"HEAD":    {},
		"POST":    {},
		"PUT":     {},
		"DELETE":  {},
		"OPTIONS": {},
		"PATCH":   {},
	}
}

func (o Options) allows(method string) bool {
	_, ok := o.AllowedMethods[method]
	return ok
}

func (o Options) allowHeader() string {
	if len(o.AllowedMethods) == 0 {
		return ""
	}
	methods := make([]string, 0, len(o.AllowedMethods))
	for m := range o.AllowedMethods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return joinComma(methods)
}

func joinComma(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
