package tunnel

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// DefaultPort is used when a CONNECT authority carries no port.
const DefaultPort = "443"

// ErrInvalidAuthority is returned for CONNECT targets that are not host[:port].
var ErrInvalidAuthority = errors.New("invalid CONNECT authority")

// ParseTarget normalizes a CONNECT request target to host:port. A missing or
// empty port becomes DefaultPort. The port is otherwise passed through as
// given: a service name or an out-of-range number is left for the dialer to
// resolve or refuse. IPv6 literals must be bracketed.
func ParseTarget(authority string) (string, error) {
	authority = strings.TrimSpace(authority)
	if authority == "" || strings.ContainsAny(authority, "/?#@ ") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAuthority, authority)
	}

	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		// No port: either a bare hostname or a bracketed IPv6 literal.
		host = authority
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
		if strings.ContainsAny(host, "[]") || (strings.Contains(host, ":") && net.ParseIP(host) == nil) {
			return "", fmt.Errorf("%w: %q", ErrInvalidAuthority, authority)
		}
		if strings.Contains(host, ":") && !strings.HasPrefix(authority, "[") {
			return "", fmt.Errorf("%w: IPv6 literal must be bracketed: %q", ErrInvalidAuthority, authority)
		}
		port = DefaultPort
	}
	if host == "" {
		return "", fmt.Errorf("%w: empty host in %q", ErrInvalidAuthority, authority)
	}
	if port == "" {
		port = DefaultPort
	}

	return net.JoinHostPort(host, port), nil
}
