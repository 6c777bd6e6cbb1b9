package manifest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeport-io/capmesh/manifest"
)

func TestEnsureIdentityAddsMissingCap(t *testing.T) {
	m := manifest.New("demo", "0.1.0", "a demo plugin", []manifest.Cap{
		{URN: "cap:in=media:text;out=media:text;op=echo", Name: "Echo"},
	})
	require.False(t, m.HasIdentity())

	withIdentity := m.EnsureIdentity()
	assert.True(t, withIdentity.HasIdentity())
	assert.Len(t, withIdentity.Caps, 2)
	assert.Len(t, m.Caps, 1, "EnsureIdentity must not mutate the receiver")
}

func TestEnsureIdentityIsNoopWhenPresent(t *testing.T) {
	m := manifest.New("demo", "0.1.0", "a demo plugin", []manifest.Cap{
		{URN: manifest.IdentityCapURN, Name: "Identity"},
	})
	require.True(t, m.HasIdentity())
	assert.Same(t, m, m.EnsureIdentity())
}

func TestMarshalParseRoundtrip(t *testing.T) {
	m := manifest.New("demo", "0.1.0", "a demo plugin", []manifest.Cap{
		{URN: manifest.IdentityCapURN, Name: "Identity"},
	}).WithAuthor("capmesh")

	data, err := m.Marshal()
	require.NoError(t, err)

	parsed, err := manifest.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, m.Name, parsed.Name)
	assert.Equal(t, m.Version, parsed.Version)
	require.NotNil(t, parsed.Author)
	assert.Equal(t, "capmesh", *parsed.Author)
	require.Len(t, parsed.Caps, 1)
	assert.Equal(t, manifest.IdentityCapURN, parsed.Caps[0].URN)
}
