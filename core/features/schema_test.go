package features

import (
	"testing"

	tlerrors "github.com/adalundhe/threatlens/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleVector() Vector {
	return Vector{
		HavingIPAddress:        "yes",
		URLLength:              "long",
		ShorteningService:      "no",
		HavingAtSymbol:         "no",
		DoubleSlashRedirecting: "no",
		PrefixSuffix:           "yes",
		HavingSubDomain:        "one",
		SSLFinalState:          "suspicious",
		URLOfAnchor:            "suspicious",
		LinksInTags:            "suspicious",
		SFH:                    "suspicious",
		AbnormalURL:            "yes",
		HasPoliticalKeyword:    "no",
		SophisticationLevel:    "medium",
	}
}

func TestSchemaShape(t *testing.T) {
	names := Names()
	require.Len(t, names, 14)
	assert.Equal(t, HavingIPAddress, names[0])
	assert.Equal(t, SophisticationLevel, names[13])

	for _, d := range Definitions() {
		assert.Equal(t, len(d.Values), len(d.Codes), d.Name)
		if d.Kind == Boolean {
			assert.Equal(t, []float64{-1, 1}, d.Codes, d.Name)
		} else {
			assert.Equal(t, []float64{-1, 0, 1}, d.Codes, d.Name)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Run("round trip every domain value", func(t *testing.T) {
		for _, name := range Names() {
			domain, err := Domain(name)
			require.NoError(t, err)
			for _, value := range domain {
				code, err := Encode(name, value)
				require.NoError(t, err)
				back, err := Decode(name, code)
				require.NoError(t, err)
				assert.Equal(t, value, back)
			}
		}
	})

	t.Run("documented codes", func(t *testing.T) {
		code, err := Encode(SSLFinalState, "trusted")
		require.NoError(t, err)
		assert.Equal(t, 1.0, code)

		code, err = Encode(URLLength, "short")
		require.NoError(t, err)
		assert.Equal(t, -1.0, code)

		code, err = Encode(HasPoliticalKeyword, "no")
		require.NoError(t, err)
		assert.Equal(t, -1.0, code)
	})

	t.Run("unknown feature", func(t *testing.T) {
		_, err := Encode("favicon", "yes")
		assert.ErrorIs(t, err, tlerrors.ErrSchema)
		_, err = Domain("favicon")
		assert.ErrorIs(t, err, tlerrors.ErrSchema)
	})

	t.Run("out of domain", func(t *testing.T) {
		_, err := Encode(URLLength, "enormous")
		assert.ErrorIs(t, err, tlerrors.ErrSchema)
		_, err = Decode(HavingIPAddress, 0)
		assert.ErrorIs(t, err, tlerrors.ErrSchema)
	})
}

func TestVector(t *testing.T) {
	t.Run("encode in canonical order", func(t *testing.T) {
		row, err := sampleVector().Encode()
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 1, -1, -1, -1, 1, 0, 0, 0, 0, 0, 1, -1, 0}, row)

		back, err := DecodeVector(row)
		require.NoError(t, err)
		assert.Equal(t, sampleVector(), back)
	})

	t.Run("missing feature", func(t *testing.T) {
		v := sampleVector()
		delete(v, SFH)
		assert.ErrorIs(t, v.Validate(), tlerrors.ErrSchema)
	})

	t.Run("extra feature", func(t *testing.T) {
		v := sampleVector()
		v["page_rank"] = "high"
		assert.ErrorIs(t, v.Validate(), tlerrors.ErrSchema)
	})

	t.Run("row validation", func(t *testing.T) {
		row, err := sampleVector().Encode()
		require.NoError(t, err)
		assert.NoError(t, ValidateRow(row))

		row[0] = 0 // booleans have no zero code
		assert.ErrorIs(t, ValidateRow(row), tlerrors.ErrSchema)
		assert.ErrorIs(t, ValidateRow(row[:3]), tlerrors.ErrSchema)
	})
}
