package datagram_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	ethercat "github.com/ecat-go/goethercat"
	"github.com/ecat-go/goethercat/pkg/datagram"
)

func TestPoolAllocRelease(t *testing.T) {
	p := datagram.NewPool()
	d, err := p.Alloc(ethercat.CmdFPRD, ethercat.PhysicalAddress(1, 0x130), []byte{0, 0})
	require.NoError(t, err)
	require.Equal(t, datagram.StateInit, d.State())

	// Index is reserved until released.
	require.Same(t, d, p.ByIndex(d.Index()))
	p.Release(d)
	require.Nil(t, p.ByIndex(d.Index()))
}

func TestPoolExhaustion(t *testing.T) {
	p := datagram.NewPool()
	seen := make(map[uint8]bool)
	for i := 0; i < datagram.PoolSize; i++ {
		d, err := p.Alloc(ethercat.CmdBRD, ethercat.PhysicalAddress(0, 0), nil)
		require.NoError(t, err)
		require.False(t, seen[d.Index()], "index allocated twice while in flight")
		seen[d.Index()] = true
	}
	_, err := p.Alloc(ethercat.CmdBRD, ethercat.PhysicalAddress(0, 0), nil)
	require.ErrorIs(t, err, ethercat.ErrBusy)
}
