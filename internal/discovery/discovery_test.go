package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryRoundTrip(t *testing.T) {
	entry := zeroconf.NewServiceEntry("CollabText-box-abc123", DefaultService, domain)
	entry.Text = txtRecords("abc123", true)
	entry.Port = 8080
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	s, ok := fromEntry(entry)
	require.True(t, ok)
	assert.Equal(t, "abc123", s.Token)
	assert.True(t, s.Host)
	assert.Equal(t, "http://192.168.1.20:8080/", s.URL())
}

func TestEntryWithoutTokenIgnored(t *testing.T) {
	entry := zeroconf.NewServiceEntry("printer", DefaultService, domain)
	entry.Text = []string{"txtv=0", "lo=1"}
	entry.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.1")}

	_, ok := fromEntry(entry)
	assert.False(t, ok)
}

func TestGuestRole(t *testing.T) {
	entry := zeroconf.NewServiceEntry("x", DefaultService, domain)
	entry.Text = txtRecords("t1", false)
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.Port = 9000

	s, ok := fromEntry(entry)
	require.True(t, ok)
	assert.False(t, s.Host)
	assert.Equal(t, "http://[fe80::1]:9000/", s.URL())
}
