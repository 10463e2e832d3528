package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it in canonical
// scheme://host[:port] form. Default ports are stripped. The special value
// "null" is allowed and returned as-is.
func Normalize(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}
	port := u.Port()
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		}
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}

// IsAllowed reports whether a normalized origin may access the given request
// host.
//
// With a non-empty allowlist, each entry must be "*" or a normalized origin.
// Otherwise the policy is same-host only; scheme is not compared because the
// bridge may sit behind a TLS-terminating proxy.
func IsAllowed(normalized, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	rest, ok := strings.CutPrefix(normalized, "http://")
	if !ok {
		rest, ok = strings.CutPrefix(normalized, "https://")
	}
	if !ok {
		// "null" cannot match a host-based request.
		return false
	}
	return rest == canonicalHost(requestHost)
}

func canonicalHost(requestHost string) string {
	h := strings.ToLower(strings.TrimSpace(requestHost))
	hostname, port, err := net.SplitHostPort(h)
	if err != nil {
		// No port component.
		hostname, port = h, ""
		hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	}
	if port == "80" || port == "443" {
		port = ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname
	}
	return hostname + ":" + port
}
