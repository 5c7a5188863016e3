// Package threat names the three threat-actor archetypes and carries the
// analyst-facing description of each.
package threat

import (
	tlerrors "github.com/adalundhe/threatlens/core/errors"
)

// Archetype is the public name of a threat-actor category. Cluster ids are
// internal to a fitted model; the archetype is the contract.
type Archetype string

const (
	OrganizedCybercrime Archetype = "organized_cybercrime"
	StateSponsored      Archetype = "state_sponsored"
	Hacktivist          Archetype = "hacktivist"
)

// All returns the archetypes in canonical order. The position of an
// archetype in this slice is its ground-truth tag in exported datasets.
func All() []Archetype {
	return []Archetype{OrganizedCybercrime, StateSponsored, Hacktivist}
}

// Parse validates a name.
func Parse(name string) (Archetype, error) {
	for _, a := range All() {
		if string(a) == name {
			return a, nil
		}
	}
	return "", tlerrors.Newf(tlerrors.KindSchema, "threat.Parse", "unknown archetype %q", name)
}

// Tag returns the canonical position of a, or -1.
func (a Archetype) Tag() int {
	for i, b := range All() {
		if a == b {
			return i
		}
	}
	return -1
}

// Profile is the analyst-facing description of an archetype.
type Profile struct {
	Archetype       Archetype
	Name            string
	Description     string
	Characteristics []string
	Motivations     string
	TypicalTargets  string
	Color           string
}

var catalog = map[Archetype]Profile{
	OrganizedCybercrime: {
		Archetype:   OrganizedCybercrime,
		Name:        "Organized Cybercrime",
		Description: "High-volume, financially motivated threat actors using automated tools and infrastructure.",
		Characteristics: []string{
			"Frequent use of IP addresses and URL shortening services",
			"High volume of abnormal URL structures",
			"Moderate sophistication with focus on quantity over quality",
			"Targets financial gain through phishing campaigns",
		},
		Motivations:    "Financial profit through credential theft, credit card fraud, and ransomware deployment",
		TypicalTargets: "Financial institutions, e-commerce sites, healthcare organizations",
		Color:          "red",
	},
	StateSponsored: {
		Archetype:   StateSponsored,
		Name:        "State-Sponsored",
		Description: "Nation-state actors with high sophistication and strategic objectives.",
		Characteristics: []string{
			"Advanced evasion techniques and complex URL structures",
			"High use of prefix/suffix manipulation and subdomain complexity",
			"Poor SSL certificate usage for stealth",
			"Targeted political and strategic intelligence gathering",
		},
		Motivations:    "Intelligence collection, political espionage, and strategic advantage",
		TypicalTargets: "Government agencies, defense contractors, critical infrastructure",
		Color:          "blue",
	},
	Hacktivist: {
		Archetype:   Hacktivist,
		Name:        "Hacktivist",
		Description: "Ideologically motivated actors with mixed technical capabilities.",
		Characteristics: []string{
			"High political keyword usage in campaigns",
			"Mixed technical sophistication levels",
			"Balanced approach to URL manipulation techniques",
			"Focus on ideological messaging and disruption",
		},
		Motivations:    "Political activism, social justice, and ideological statements",
		TypicalTargets: "Government websites, corporations, political organizations",
		Color:          "green",
	},
}

// Describe returns the catalog entry for a.
func Describe(a Archetype) (Profile, bool) {
	p, ok := catalog[a]
	if !ok {
		return Profile{}, false
	}
	p.Characteristics = append([]string(nil), p.Characteristics...)
	return p, true
}

// DisplayName returns the human-readable name of a.
func (a Archetype) DisplayName() string {
	if p, ok := catalog[a]; ok {
		return p.Name
	}
	return string(a)
}
