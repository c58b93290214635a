// Package origin implements the browser Origin checks for the relay's HTTP
// and WebSocket surface. By default only pages served from the relay's own
// host may connect; deployments that host the classroom app elsewhere list
// those origins in the configuration allowlist.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a raw Origin header and reduces it to canonical form:
// lowercased scheme://host[:port] with default ports stripped. The host part
// comes back separately for same-host comparison against the request's Host
// header. Browsers send the literal "null" for sandboxed documents; it
// normalizes to itself with an empty host.
func Normalize(rawHeader string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(rawHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	// An Origin is scheme and authority only. Anything more is either a
	// confused client or header smuggling.
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Allowed decides whether a normalized origin may talk to the given request
// host. A non-empty allowlist is matched exactly against entries produced by
// Normalize, with "*" admitting everything. With no allowlist the policy is
// same host and port, default ports equivalent; the scheme is deliberately
// not compared, since a TLS-terminating proxy in front of the relay leaves
// the server side seeing plain HTTP under an https Origin.
func Allowed(normalized, originHost, requestHost string, allowlist []string) bool {
	if len(allowlist) > 0 {
		for _, entry := range allowlist {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	var scheme string
	switch {
	case strings.HasPrefix(normalized, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalized, "https://"):
		scheme = "https"
	default:
		// "null" has no host to match, and anything else means the caller
		// skipped Normalize.
		return false
	}

	reqHost, ok := canonicalHostPort(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// canonicalHostPort lowercases a host[:port] authority, validates the port,
// strips it when it is the scheme's default, and re-brackets IPv6 literals.
func canonicalHostPort(authority, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitAuthority(authority)
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitAuthority splits host[:port], unbracketing IPv6 literals. The port is
// returned unvalidated and empty when absent.
func splitAuthority(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}

	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = authority[1:end]
		rest := authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if len(rest) < 2 || rest[0] != ':' {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		host, p, _ := strings.Cut(authority, ":")
		if host == "" || p == "" {
			return "", "", false
		}
		return host, p, true
	default:
		// Unbracketed IPv6 is not a valid authority.
		return "", "", false
	}
}
