package main

import (
	"fmt"
	"net"
	"net/netip"
)

// detectHostIP returns the first non-loopback IPv4 address of the host.
// It is advertised in Via, Contact and SDP when no public address is set.
func detectHostIP() (netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, err
	}
	return firstUsableIPv4(addrs)
}

func firstUsableIPv4(addrs []net.Addr) (netip.Addr, error) {
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if !ip.Is4() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		return ip, nil
	}
	return netip.Addr{}, fmt.Errorf("no non-loopback IPv4 address found")
}

// mediaAddress is the RTP address offered to the PBX: the public IP with
// the bound port. It is invalid when public is empty, which lets the SIP
// engine fall back to the signaling connection's local IP.
func mediaAddress(public string, bound netip.AddrPort) (netip.AddrPort, error) {
	if public == "" {
		return netip.AddrPort{}, nil
	}
	ip, err := netip.ParseAddr(public)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid public address %q: %w", public, err)
	}
	return netip.AddrPortFrom(ip.Unmap(), bound.Port()), nil
}
