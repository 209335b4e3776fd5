package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientKeys maps a request to the address its failures are counted
// against. X-Forwarded-For is read only when the connection comes from a
// trusted proxy, and only the hops appended by trusted proxies count.
type ClientKeys struct {
	trusted []netip.Prefix
}

// NewClientKeys accepts CIDRs or bare addresses. With none, every request
// is keyed on its connection address.
func NewClientKeys(trustedProxies []string) (*ClientKeys, error) {
	keys := &ClientKeys{}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			keys.trusted = append(keys.trusted, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		keys.trusted = append(keys.trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return keys, nil
}

func (k *ClientKeys) Key(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	if k == nil || len(k.trusted) == 0 || !k.isTrusted(remote) {
		return remote
	}

	hops := forwardedHops(r.Header.Values("X-Forwarded-For"))
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			break
		}
		addr = addr.Unmap()
		if !k.isTrustedAddr(addr) {
			return addr.String()
		}
		remote = addr.String()
	}
	return remote
}

func (k *ClientKeys) isTrusted(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return k.isTrustedAddr(addr.Unmap())
}

func (k *ClientKeys) isTrustedAddr(addr netip.Addr) bool {
	for _, prefix := range k.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func forwardedHops(headers []string) []string {
	var hops []string
	for _, header := range headers {
		for _, part := range strings.Split(header, ",") {
			if hop := strings.TrimSpace(part); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	return host
}
