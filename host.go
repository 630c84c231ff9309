package nsqpool

import (
	"crypto/x509"
	"fmt"
	"log/slog"

	"github.com/quic-go/quic-go"
)

type Hostname string

// remoteHost is the identity of the other end of a QUIC connection.
type remoteHost struct {
	Name Hostname
	Addr string
}

func (host remoteHost) String() string {
	return fmt.Sprintf("%s@%s", host.Name, host.Addr)
}

func (host remoteHost) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(host.Name)),
		slog.String("addr", host.Addr),
	)
}

// HostnameResolver can resolve an hostname from a list of
// `x509.Certificate`, those certificates are the one received from a
// remote peer.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path.
//
// If the resolution is successful, *Implementations* MUST return an hostname
// and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly error string
// as a third argument, which will be sent to the remote peer, so they can
// debug the error.
//
// If they return a non-nil error but an empty third string,
// a `QErrInternal` is returned to the user instead.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error, string)

// CommonNameResolver is the default resolver used to resolve the hostname
// from the x509 Subject Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "it seems like you haven't provided client certificate"
	}
	if certs[0].Subject.CommonName == "" {
		return "", ErrHostnameResolve, "your certificate has no common name"
	}

	return Hostname(certs[0].Subject.CommonName), nil, ""
}

// resolveHost identifies the remote end of conn. On failure, the
// connection is closed with an error the remote peer can act on.
func resolveHost(conn quic.Connection, resolver HostnameResolver) (remoteHost, error) {
	if resolver == nil {
		resolver = CommonNameResolver
	}

	host := remoteHost{Addr: conn.RemoteAddr().String()}
	name, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		if uerr == "" {
			QErrInternal.Close(conn, "unexpected error during hostname resolution")
		} else {
			QErrHostname.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return host, fmt.Errorf("%w: %w", ErrHostnameResolve, err)
	}

	host.Name = name
	return host, nil
}
