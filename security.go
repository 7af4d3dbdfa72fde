package main

import (
	"context"
	"net"
	"net/netip"
)

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Ranges that are not globally routable: private, loopback, link-local, shared
// address space, documentation, benchmarking, reserved and multicast.
var nonGlobalPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"64:ff9b:1::/48",
	"100::/64",
	"2001::/23",
	"2001:db8::/32",
	"2002::/16",
	"3fff::/20",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

// Globally reachable exceptions carved out of the blocks above.
var globalExceptions = mustPrefixes(
	"192.0.0.9/32",
	"192.0.0.10/32",
	"2001:1::1/128",
	"2001:1::2/128",
	"2001:3::/32",
	"2001:4:112::/48",
	"2001:20::/28",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// isGlobal reports whether ip is globally routable. IPv4-mapped IPv6
// addresses are judged as the IPv4 address they carry.
func isGlobal(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	ip = ip.WithZone("").Unmap()
	for _, p := range globalExceptions {
		if p.Contains(ip) {
			return true
		}
	}
	for _, p := range nonGlobalPrefixes {
		if p.Contains(ip) {
			return false
		}
	}
	return true
}

// detectLocalIP finds the address this machine uses for outbound traffic.
// Dialing UDP sends no packets; it only asks the kernel to pick a route.
// The zero Addr is returned when there is no route.
func detectLocalIP() netip.Addr {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return netip.Addr{}
	}
	defer conn.Close()
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if ip, ok := netip.AddrFromSlice(ua.IP); ok {
			return ip.Unmap()
		}
	}
	return netip.Addr{}
}

// targetGuard resolves client-supplied host names and refuses addresses the
// gateway must not be used to reach.
type targetGuard struct {
	resolver     Resolver
	allowPrivate bool
	localIP      netip.Addr
}

// resolve returns the first address for host. The port never matters here.
func (g *targetGuard) resolve(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, newError(KindResolution, "resolve", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, newError(KindResolution, "resolve", host, ErrNoAddress)
	}
	ip := addrs[0].Unmap()
	if err := g.check(ip); err != nil {
		return netip.Addr{}, newError(KindSecurity, "resolve", host, err)
	}
	return ip, nil
}

func (g *targetGuard) check(ip netip.Addr) error {
	if g.allowPrivate {
		return nil
	}
	if !isGlobal(ip) || (g.localIP.IsValid() && ip.WithZone("") == g.localIP) {
		return ErrNotRoutable
	}
	return nil
}
