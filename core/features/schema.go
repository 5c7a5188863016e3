// Package features declares the 14 URL indicator features, their value
// domains, and the numeric encoding shared by training and inference.
//
// Encoding rule: values are listed in ascending risk-neutral order and map
// to integer codes. Binary features encode as no=-1, yes=1. Ternary
// features encode as -1, 0, 1 in the order of their domain. The inference
// caller must encode exactly the same way.
package features

import (
	"fmt"
	"math"
	"strconv"

	tlerrors "github.com/adalundhe/threatlens/core/errors"
)

// Feature names, in canonical column order.
const (
	HavingIPAddress        = "having_IP_Address"
	URLLength              = "URL_Length"
	ShorteningService      = "Shortining_Service"
	HavingAtSymbol         = "having_At_Symbol"
	DoubleSlashRedirecting = "double_slash_redirecting"
	PrefixSuffix           = "Prefix_Suffix"
	HavingSubDomain        = "having_Sub_Domain"
	SSLFinalState          = "SSLfinal_State"
	URLOfAnchor            = "URL_of_Anchor"
	LinksInTags            = "Links_in_tags"
	SFH                    = "SFH"
	AbnormalURL            = "Abnormal_URL"
	HasPoliticalKeyword    = "has_political_keyword"
	SophisticationLevel    = "sophistication_level"
)

// Kind distinguishes boolean indicators from ordinal categories.
type Kind int

const (
	Boolean Kind = iota
	Ordinal
)

func (k Kind) String() string {
	if k == Boolean {
		return "boolean"
	}
	return "ordinal"
}

// Definition describes one feature: its domain and the code for each value.
type Definition struct {
	Name   string
	Kind   Kind
	Values []string
	Codes  []float64
}

// Code returns the numeric code for value, or false if value is not in the
// domain.
func (d Definition) Code(value string) (float64, bool) {
	for i, v := range d.Values {
		if v == value {
			return d.Codes[i], true
		}
	}
	return 0, false
}

// Value returns the domain value for a numeric code.
func (d Definition) Value(code float64) (string, bool) {
	for i, c := range d.Codes {
		if c == code {
			return d.Values[i], true
		}
	}
	return "", false
}

var (
	binaryValues  = []string{"no", "yes"}
	binaryCodes   = []float64{-1, 1}
	ternaryCodes  = []float64{-1, 0, 1}
	contentValues = []string{"phishing", "suspicious", "legitimate"}
)

func boolean(name string) Definition {
	return Definition{Name: name, Kind: Boolean, Values: binaryValues, Codes: binaryCodes}
}

func ordinal(name string, values ...string) Definition {
	return Definition{Name: name, Kind: Ordinal, Values: values, Codes: ternaryCodes}
}

var definitions = []Definition{
	boolean(HavingIPAddress),
	ordinal(URLLength, "short", "normal", "long"),
	boolean(ShorteningService),
	boolean(HavingAtSymbol),
	boolean(DoubleSlashRedirecting),
	boolean(PrefixSuffix),
	ordinal(HavingSubDomain, "none", "one", "many"),
	ordinal(SSLFinalState, "none", "suspicious", "trusted"),
	ordinal(URLOfAnchor, contentValues...),
	ordinal(LinksInTags, contentValues...),
	ordinal(SFH, contentValues...),
	boolean(AbnormalURL),
	boolean(HasPoliticalKeyword),
	ordinal(SophisticationLevel, "low", "medium", "high"),
}

var index = func() map[string]int {
	m := make(map[string]int, len(definitions))
	for i, d := range definitions {
		m[d.Name] = i
	}
	return m
}()

// Count is the number of features.
var Count = len(definitions)

// Names returns the feature names in canonical order.
func Names() []string {
	names := make([]string, len(definitions))
	for i, d := range definitions {
		names[i] = d.Name
	}
	return names
}

// Definitions returns a copy of all feature definitions in canonical order.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Lookup returns the definition for name.
func Lookup(name string) (Definition, error) {
	i, ok := index[name]
	if !ok {
		return Definition{}, tlerrors.Newf(tlerrors.KindSchema, "features.Lookup", "unknown feature %q", name)
	}
	return definitions[i], nil
}

// Index returns the canonical column of name.
func Index(name string) (int, error) {
	i, ok := index[name]
	if !ok {
		return 0, tlerrors.Newf(tlerrors.KindSchema, "features.Index", "unknown feature %q", name)
	}
	return i, nil
}

// MustIndex is Index for compile-time-known names.
func MustIndex(name string) int {
	i, err := Index(name)
	if err != nil {
		panic(err)
	}
	return i
}

// Domain returns the values of a feature in encoding order.
func Domain(name string) ([]string, error) {
	d, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(d.Values))
	copy(out, d.Values)
	return out, nil
}

// Encode maps a raw domain value to its numeric code.
func Encode(name, value string) (float64, error) {
	d, err := Lookup(name)
	if err != nil {
		return 0, err
	}
	code, ok := d.Code(value)
	if !ok {
		return 0, tlerrors.Newf(tlerrors.KindSchema, "features.Encode", "value %q not in domain of %s %v", value, name, d.Values)
	}
	return code, nil
}

// Decode maps a numeric code back to its raw domain value.
func Decode(name string, code float64) (string, error) {
	d, err := Lookup(name)
	if err != nil {
		return "", err
	}
	value, ok := d.Value(code)
	if !ok {
		return "", tlerrors.Newf(tlerrors.KindSchema, "features.Decode", "code %s not valid for %s", strconv.FormatFloat(code, 'g', -1, 64), name)
	}
	return value, nil
}

// Vector maps feature names to raw domain values.
type Vector map[string]string

// Validate checks that v names every feature exactly once with an in-domain
// value.
func (v Vector) Validate() error {
	for name, value := range v {
		d, err := Lookup(name)
		if err != nil {
			return err
		}
		if _, ok := d.Code(value); !ok {
			return tlerrors.Newf(tlerrors.KindSchema, "features.Validate", "value %q not in domain of %s", value, name)
		}
	}
	if len(v) != len(definitions) {
		for _, d := range definitions {
			if _, ok := v[d.Name]; !ok {
				return tlerrors.Newf(tlerrors.KindSchema, "features.Validate", "missing feature %s", d.Name)
			}
		}
	}
	return nil
}

// Encode returns the numeric form of v in canonical order.
func (v Vector) Encode() ([]float64, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	out := make([]float64, len(definitions))
	for i, d := range definitions {
		out[i], _ = d.Code(v[d.Name])
	}
	return out, nil
}

// Clone returns a copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// DecodeVector converts a canonical-order numeric row back to a Vector.
func DecodeVector(row []float64) (Vector, error) {
	if len(row) != len(definitions) {
		return nil, tlerrors.Newf(tlerrors.KindSchema, "features.DecodeVector", "row has %d columns, want %d", len(row), len(definitions))
	}
	v := make(Vector, len(definitions))
	for i, d := range definitions {
		value, ok := d.Value(row[i])
		if !ok {
			return nil, tlerrors.Newf(tlerrors.KindSchema, "features.DecodeVector", "code %v not valid for %s", row[i], d.Name)
		}
		v[d.Name] = value
	}
	return v, nil
}

// ValidateRow checks a numeric row against the schema.
func ValidateRow(row []float64) error {
	if len(row) != len(definitions) {
		return tlerrors.Newf(tlerrors.KindSchema, "features.ValidateRow", "row has %d columns, want %d", len(row), len(definitions))
	}
	for i, d := range definitions {
		if math.IsNaN(row[i]) {
			return tlerrors.Newf(tlerrors.KindSchema, "features.ValidateRow", "NaN in %s", d.Name)
		}
		if _, ok := d.Value(row[i]); !ok {
			return tlerrors.New(tlerrors.KindSchema, "features.ValidateRow", fmt.Sprintf("code %v not valid for %s", row[i], d.Name))
		}
	}
	return nil
}
