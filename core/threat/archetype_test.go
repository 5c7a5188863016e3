package threat

import (
	"testing"

	tlerrors "github.com/adalundhe/threatlens/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchetypes(t *testing.T) {
	all := All()
	require.Len(t, all, 3)

	for i, a := range all {
		assert.Equal(t, i, a.Tag())

		parsed, err := Parse(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, parsed)

		p, ok := Describe(a)
		require.True(t, ok)
		assert.NotEmpty(t, p.Description)
		assert.Len(t, p.Characteristics, 4)
	}

	assert.Equal(t, "State-Sponsored", StateSponsored.DisplayName())
	assert.Equal(t, -1, Archetype("insider").Tag())

	_, err := Parse("insider")
	assert.ErrorIs(t, err, tlerrors.ErrSchema)
}

func TestDescribeReturnsCopy(t *testing.T) {
	p, _ := Describe(Hacktivist)
	p.Characteristics[0] = "changed"

	again, _ := Describe(Hacktivist)
	assert.NotEqual(t, "changed", again.Characteristics[0])
}
