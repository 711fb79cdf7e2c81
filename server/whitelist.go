package server

import (
	"net"
	"strings"
)

// whitelistEntry matches a calling AE title, a remote host, or both. An
// empty field matches anything.
type whitelistEntry struct {
	aeTitle string
	host    string
}

// parseWhitelist accepts "AE", "AE@host" and "@host".
func parseWhitelist(entries []string) []whitelistEntry {
	out := make([]whitelistEntry, 0, len(entries))
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ae, host, _ := strings.Cut(raw, "@")
		out = append(out, whitelistEntry{aeTitle: strings.TrimSpace(ae), host: normalizeHost(host)})
	}
	return out
}

func (e whitelistEntry) matches(callingAE, host string) bool {
	if e.aeTitle != "" && e.aeTitle != callingAE {
		return false
	}
	if e.host != "" && e.host != host {
		return false
	}
	return e.aeTitle != "" || e.host != ""
}

func allowed(whitelist []whitelistEntry, callingAE, host string) bool {
	for _, e := range whitelist {
		if e.matches(callingAE, host) {
			return true
		}
	}
	return false
}

// hostOf returns the IP literal of a remote address.
func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return normalizeHost(host)
}

// normalizeHost gives IP literals their canonical form so that "::1" and
// "0:0::1" compare equal.
func normalizeHost(host string) string {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}
