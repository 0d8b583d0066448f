package scoring

import "net/netip"

// IPClass is the reputation bucket of a source address.
type IPClass string

const (
	IPPublic      IPClass = "public"
	IPPrivate     IPClass = "private"
	IPLoopback    IPClass = "loopback"
	IPLinkLocal   IPClass = "link_local"
	IPMulticast   IPClass = "multicast"
	IPUnspecified IPClass = "unspecified"
	IPInvalid     IPClass = "invalid"
)

// cgnat is 100.64.0.0/10, treated as private.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// ClassifyIP buckets an address string. Anything that does not parse is
// IPInvalid.
func ClassifyIP(s string) IPClass {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return IPInvalid
	}
	addr = addr.Unmap()

	switch {
	case addr.IsUnspecified():
		return IPUnspecified
	case addr.IsLoopback():
		return IPLoopback
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return IPLinkLocal
	case addr.IsMulticast():
		return IPMulticast
	case addr.IsPrivate(), cgnat.Contains(addr):
		return IPPrivate
	}
	return IPPublic
}
