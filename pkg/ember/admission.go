package ember

import (
	"net"
	"net/netip"
	"sync"
)

// AdmissionPolicy enforces the global and per-IP connection caps (spec
// §4.7). It owns exactly the two counters the caps need; the Server keeps
// the id→Connection table separately. Grounded on the same mutex-guarded
// counter style the teacher uses for its buffer pool accounting, adapted
// here to admission bookkeeping instead of byte counts.
type AdmissionPolicy struct {
	mu sync.Mutex

	connectionLimit int
	perIPLimit      int

	clientCount  int
	clientsPerIP map[string]int

	metrics *Metrics
}

// NewAdmissionPolicy builds a policy with the given caps. A limit <= 0
// means "unbounded" for that dimension.
func NewAdmissionPolicy(connectionLimit, perIPLimit int, metrics *Metrics) *AdmissionPolicy {
	return &AdmissionPolicy{
		connectionLimit: connectionLimit,
		perIPLimit:      perIPLimit,
		clientsPerIP:    make(map[string]int),
		metrics:         metrics,
	}
}

// Decision is the outcome of Admit: either Allowed, or Allowed is false and
// Err names why (spec §4.7's rejection messages).
type Decision struct {
	Allowed   bool
	Err       error
	NetworkID string
}

// Admit evaluates the global and per-IP caps against remote and admits or
// rejects the candidate connection. On admission the counters are already
// incremented; the caller must eventually call Release(networkID) exactly
// once, symmetrically, when the connection closes (spec §4.7: "the on-close
// hook decrements counters symmetrically").
func (p *AdmissionPolicy) Admit(remote net.Addr) Decision {
	networkID := computeNetworkID(remote)
	loopback := isLoopbackOrUnix(remote)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connectionLimit > 0 && p.clientCount == p.connectionLimit {
		p.metrics.onReject("too_many_connections")
		return Decision{Allowed: false, Err: ErrTooManyConnections, NetworkID: networkID}
	}

	preCount := p.clientsPerIP[networkID]
	if p.perIPLimit > 0 && preCount == p.perIPLimit && !loopback {
		p.metrics.onReject("too_many_connections_per_ip")
		return Decision{Allowed: false, Err: ErrTooManyConnectionsFromIP, NetworkID: networkID}
	}

	p.clientCount++
	p.clientsPerIP[networkID] = preCount + 1
	p.metrics.onAdmit()

	return Decision{Allowed: true, NetworkID: networkID}
}

// Release decrements the counters an earlier Admit incremented. Calling it
// more times than a networkID was admitted is a caller bug; it floors at
// zero and removes the map entry rather than going negative.
func (p *AdmissionPolicy) Release(networkID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.clientCount > 0 {
		p.clientCount--
	}

	count, ok := p.clientsPerIP[networkID]
	if !ok {
		return
	}
	if count <= 1 {
		delete(p.clientsPerIP, networkID)
		return
	}
	p.clientsPerIP[networkID] = count - 1
}

// ClientCount reports the current total admitted connections.
func (p *AdmissionPolicy) ClientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientCount
}

// CountForIP reports the current admitted count for a given networkID.
func (p *AdmissionPolicy) CountForIP(networkID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientsPerIP[networkID]
}

// isLoopbackOrUnix reports whether remote is exempt from the per-IP cap:
// loopback (::1, 127.0.0.0/8, or the IPv4-mapped form of 127.0.0.0/8) or a
// unix-domain socket, identified by remote being a *net.UnixAddr.
func isLoopbackOrUnix(remote net.Addr) bool {
	if _, ok := remote.(*net.UnixAddr); ok {
		return true
	}

	host, _, err := splitHostPort(remote)
	if err != nil {
		return false
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}
