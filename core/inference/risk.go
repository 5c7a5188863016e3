package inference

import (
	"sort"

	"github.com/adalundhe/threatlens/core/features"
)

// RiskContribution is a heuristic per-indicator score for display. It is not
// derived from the model.
type RiskContribution struct {
	Indicator string
	Points    int
}

type riskRule struct {
	indicator string
	feature   string
	points    int
	fires     func(code float64) bool
}

func is(code float64) func(float64) bool { return func(c float64) bool { return c == code } }

var riskRules = []riskRule{
	{"Bad SSL", features.SSLFinalState, 25, func(c float64) bool { return c < 1 }},
	{"Abnormal URL", features.AbnormalURL, 20, is(1)},
	{"Prefix/Suffix", features.PrefixSuffix, 15, is(1)},
	{"Shortened URL", features.ShorteningService, 15, is(1)},
	{"Complex Sub-domain", features.HavingSubDomain, 10, is(1)},
	{"Long URL", features.URLLength, 10, is(1)},
	{"Uses IP Address", features.HavingIPAddress, 5, is(1)},
	{"Political Keywords", features.HasPoliticalKeyword, 10, is(1)},
	{"High Sophistication", features.SophisticationLevel, 15, is(1)},
}

// RiskContributions scores v against the fixed indicator table, highest
// first. Indicators that do not fire score zero and are kept so the chart
// always shows every row.
func RiskContributions(v features.Vector) ([]RiskContribution, error) {
	row, err := v.Encode()
	if err != nil {
		return nil, err
	}
	out := make([]RiskContribution, len(riskRules))
	for i, r := range riskRules {
		out[i] = RiskContribution{Indicator: r.indicator}
		if r.fires(row[features.MustIndex(r.feature)]) {
			out[i].Points = r.points
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Points > out[j].Points })
	return out, nil
}

// RiskScore sums the contributions.
func RiskScore(rc []RiskContribution) int {
	var total int
	for _, r := range rc {
		total += r.Points
	}
	return total
}
