package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// EndpointPolicy controls which outbound endpoints the service may call.
type EndpointPolicy struct {
	// AllowPrivate permits loopback and private-network hosts, for analyst
	// deployments that run inside the same cluster.
	AllowPrivate bool
	// Resolve looks up a hostname. Nil uses net.LookupHost.
	Resolve func(host string) ([]string, error)
}

// ValidateEndpointURL checks that a URL is safe for server-side requests
// under the strict policy.
func ValidateEndpointURL(rawURL string) error {
	return EndpointPolicy{}.Validate(rawURL)
}

// Validate checks the scheme and host of rawURL. Unless AllowPrivate is set,
// private, loopback, link-local and unspecified addresses are rejected, both
// as literals and after DNS resolution.
func (p EndpointPolicy) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if p.AllowPrivate {
		return nil
	}

	host := u.Hostname()
	for _, b := range []string{"localhost", "metadata.google.internal", "metadata.google"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	resolve := p.Resolve
	if resolve == nil {
		resolve = net.LookupHost
	}
	ips, err := resolve(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
