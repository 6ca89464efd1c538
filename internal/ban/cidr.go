package ban

import (
	"strconv"
	"strings"
)

// Numeric IPv4 matching for CIDR bans. Malformed addresses or blocks never
// match; a parse failure must not widen a ban.

// IPToNumber converts a dotted-quad IPv4 address to its 32-bit value.
func IPToNumber(ip string) (uint32, bool) {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var n uint32
	for _, part := range parts {
		if part == "" || len(part) > 3 {
			return 0, false
		}
		octet, err := strconv.Atoi(part)
		if err != nil || octet < 0 || octet > 255 {
			return 0, false
		}
		n = n<<8 | uint32(octet)
	}
	return n, true
}

// parseCIDR splits "a.b.c.d/n" into the network base and mask.
func parseCIDR(cidr string) (base, mask uint32, ok bool) {
	slash := strings.IndexByte(cidr, '/')
	if slash < 0 {
		return 0, 0, false
	}
	prefix, err := strconv.Atoi(cidr[slash+1:])
	if err != nil || prefix < 0 || prefix > 32 {
		return 0, 0, false
	}
	addr, ok := IPToNumber(cidr[:slash])
	if !ok {
		return 0, 0, false
	}
	if prefix == 0 {
		return 0, 0, true
	}
	mask = 0xFFFFFFFF << (32 - prefix)
	return addr & mask, mask, true
}

// IsIPInCIDR reports whether an IPv4 address falls inside a CIDR block.
func IsIPInCIDR(ip, cidr string) bool {
	n, ok := IPToNumber(ip)
	if !ok {
		return false
	}
	base, mask, ok := parseCIDR(cidr)
	if !ok {
		return false
	}
	return n&mask == base
}
