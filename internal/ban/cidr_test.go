package ban

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPToNumber(t *testing.T) {
	tests := []struct {
		ip   string
		want uint32
		ok   bool
	}{
		{"0.0.0.0", 0, true},
		{"255.255.255.255", 0xFFFFFFFF, true},
		{"10.0.0.1", 10<<24 | 1, true},
		{"192.168.1.42", 192<<24 | 168<<16 | 1<<8 | 42, true},
		{"256.0.0.1", 0, false},
		{"10.0.0", 0, false},
		{"10.0.0.0.1", 0, false},
		{"10.0.0.-1", 0, false},
		{"a.b.c.d", 0, false},
		{"", 0, false},
		{"::ffff:10.0.0.1", 0, false},
	}
	for _, tt := range tests {
		got, ok := IPToNumber(tt.ip)
		assert.Equal(t, tt.ok, ok, tt.ip)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.ip)
		}
	}
}

func TestIsIPInCIDR(t *testing.T) {
	assert.True(t, IsIPInCIDR("10.1.2.3", "10.0.0.0/8"))
	assert.False(t, IsIPInCIDR("11.0.0.1", "10.0.0.0/8"))
	assert.True(t, IsIPInCIDR("192.168.1.200", "192.168.1.128/25"))
	assert.False(t, IsIPInCIDR("192.168.1.100", "192.168.1.128/25"))
	assert.True(t, IsIPInCIDR("8.8.8.8", "0.0.0.0/0"), "the zero block matches everything")

	// Malformed inputs never match
	assert.False(t, IsIPInCIDR("10.0.0.1", "10.0.0.0/33"))
	assert.False(t, IsIPInCIDR("10.0.0.1", "10.0.0.0"))
	assert.False(t, IsIPInCIDR("10.0.0.1", "banana/8"))
	assert.False(t, IsIPInCIDR("not-an-ip", "10.0.0.0/8"))
}

// /32 reflexivity and monotonicity in the prefix length.
func TestIsIPInCIDR_ReflexiveAndMonotone(t *testing.T) {
	ips := []string{"10.1.2.3", "172.16.254.1", "192.168.0.1", "1.2.3.4"}
	for _, ip := range ips {
		require.True(t, IsIPInCIDR(ip, ip+"/32"), ip)
	}

	// ip ∈ c/n implies ip ∈ c/m for every shorter prefix m with the base
	// re-derived for that prefix.
	ip := "10.20.30.40"
	num, ok := IPToNumber(ip)
	require.True(t, ok)
	for n := 32; n >= 1; n-- {
		mask := uint32(0xFFFFFFFF) << (32 - n)
		base := num & mask
		cidr := fmt.Sprintf("%d.%d.%d.%d/%d",
			base>>24&0xFF, base>>16&0xFF, base>>8&0xFF, base&0xFF, n)
		assert.True(t, IsIPInCIDR(ip, cidr), cidr)
	}
}
