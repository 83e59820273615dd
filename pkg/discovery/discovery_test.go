package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"
)

func TestTXTRecords(t *testing.T) {
	records := txtRecords(map[string]string{"role": RoleTracker, "version": "1.0.0"})
	require.Equal(t, []string{"role=tracker", "version=1.0.0"}, records)

	meta := parseTXT(append(records, "junk", "=novalue", "url=a=b"))
	require.Equal(t, map[string]string{"role": "tracker", "version": "1.0.0", "url": "a=b"}, meta)
}

func TestFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("t1", ServiceType, Domain)
	entry.Port = 3000
	entry.Text = []string{"role=tracker"}
	require.Nil(t, fromEntry(entry))

	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.5")}
	info := fromEntry(entry)
	require.NotNil(t, info)
	require.Equal(t, "192.168.1.5:3000", info.Addr())
	require.Equal(t, RoleTracker, info.Role())
}

func TestDiscovery(t *testing.T) {
	// multicast is often unavailable in CI containers
	if testing.Short() {
		t.Skip("Skipping mDNS test in short mode")
	}

	advertiser := NewAdvertiser()
	require.NoError(t, advertiser.Start("test-tracker", 12345, map[string]string{"role": RoleTracker}))
	defer advertiser.Stop()

	time.Sleep(500 * time.Millisecond)

	resolver, err := NewResolver()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr, err := resolver.FindTracker(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, addr)
	t.Logf("Found tracker: %s", addr)
}
