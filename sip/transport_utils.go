package sip

import (
	"net"
	"net/netip"
)

// MachineAddrs enumerates the machine's interface addresses.
// Used to expand wildcard-bound channels: a channel listening on the
// unspecified address is reachable on every one of these.
func MachineAddrs() []netip.Addr {
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	addrs := make([]netip.Addr, 0, len(ifAddrs))
	for _, ia := range ifAddrs {
		ipNet, ok := ia.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs
}

// preferredSource asks the OS routing table which local address it would
// use to reach dst. No packets are sent: connecting a UDP socket only
// performs a route lookup.
func preferredSource(dst netip.Addr) (netip.Addr, bool) {
	if !dst.IsValid() || dst.IsUnspecified() {
		return netip.Addr{}, false
	}
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: dst.AsSlice(), Port: 9})
	if err != nil {
		return netip.Addr{}, false
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(local.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// defaultOutboundAddr returns the OS's default outbound address for the
// family: the source the routing table picks for a well-known public
// destination.
func defaultOutboundAddr(v4 bool) (netip.Addr, bool) {
	probe := netip.MustParseAddr("2001:4860:4860::8888")
	if v4 {
		probe = netip.MustParseAddr("8.8.8.8")
	}
	return preferredSource(probe)
}

// concreteLocalAddr pins a possibly wildcard channel address to a concrete
// local IP usable in self-referential headers: the OS preferred source for
// dst, or the first fitting machine address.
func concreteLocalAddr(chAddr netip.AddrPort, dst netip.Addr) netip.AddrPort {
	if !chAddr.Addr().IsUnspecified() {
		return chAddr
	}
	if src, ok := preferredSource(dst); ok {
		return netip.AddrPortFrom(src, chAddr.Port())
	}
	v4 := dst.Is4() || dst.Is4In6()
	for _, addr := range MachineAddrs() {
		if addr.Is4() == v4 && !addr.IsLoopback() {
			return netip.AddrPortFrom(addr, chAddr.Port())
		}
	}
	return chAddr
}
