package ember

import (
	"context"
	"crypto/tls"
	"net"
)

// HandshakeInfo is the structured handshake result spec §3 calls "crypto
// info", empty iff the connection is plaintext.
type HandshakeInfo struct {
	Negotiated     bool
	NegotiatedALPN string
	Version        uint16
	CipherSuite    uint16
	ServerName     string
}

// TlsNegotiator drives the TLS handshake before the ReadPump starts (spec
// §4.4). crypto/tls.Conn already implements non-blocking-handshake
// semantics internally (Read/Write return net.Error.Temporary-style
// retries under a context deadline); this wraps HandshakeContext so the
// Connection can cancel a stuck handshake the same way it cancels any
// other suspension point (§5).
type TlsNegotiator struct{}

// Negotiate performs the handshake if raw is a *tls.Conn, or is a no-op for
// plaintext sockets. On success it returns the (possibly unchanged) conn
// and the handshake metadata; on failure the caller must close the
// connection (§4.4: "On hard failure: close()").
func (TlsNegotiator) Negotiate(ctx context.Context, raw net.Conn) (net.Conn, HandshakeInfo, error) {
	tlsConn, ok := raw.(*tls.Conn)
	if !ok {
		return raw, HandshakeInfo{}, nil
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return raw, HandshakeInfo{}, err
	}

	st := tlsConn.ConnectionState()
	return tlsConn, HandshakeInfo{
		Negotiated:     true,
		NegotiatedALPN: st.NegotiatedProtocol,
		Version:        st.Version,
		CipherSuite:    st.CipherSuite,
		ServerName:     st.ServerName,
	}, nil
}
