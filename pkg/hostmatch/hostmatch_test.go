package hostmatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowedShortNameAndFQDN(t *testing.T) {
	l := NewList([]string{"beamline01.desy.de"})

	require.True(t, l.Allowed("beamline01.desy.de"))
	require.True(t, l.Allowed("beamline01"))
	require.False(t, l.Allowed("other-host"))
}

func TestRegisterExtendsAllowList(t *testing.T) {
	l := NewList(nil)
	require.False(t, l.Allowed("newhost"))

	l.Register("newhost")
	require.True(t, l.Allowed("newhost"))
}

func TestAllResolved(t *testing.T) {
	l := NewList([]string{"a", "b"})
	require.True(t, l.AllResolved([]string{"a", "b"}))
	require.False(t, l.AllResolved([]string{"a", "c"}))
}
