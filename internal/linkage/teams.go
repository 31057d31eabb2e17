package linkage

import "strings"

// nbaTeams maps the standard 3-letter abbreviation to the full
// franchise name. Both venues title their game markets with some form
// of these names; everything funnels through the abbreviation before
// key derivation.
var nbaTeams = map[string]string{
	"ATL": "Atlanta Hawks",
	"BOS": "Boston Celtics",
	"BKN": "Brooklyn Nets",
	"CHA": "Charlotte Hornets",
	"CHI": "Chicago Bulls",
	"CLE": "Cleveland Cavaliers",
	"DAL": "Dallas Mavericks",
	"DEN": "Denver Nuggets",
	"DET": "Detroit Pistons",
	"GSW": "Golden State Warriors",
	"HOU": "Houston Rockets",
	"IND": "Indiana Pacers",
	"LAC": "LA Clippers",
	"LAL": "Los Angeles Lakers",
	"MEM": "Memphis Grizzlies",
	"MIA": "Miami Heat",
	"MIL": "Milwaukee Bucks",
	"MIN": "Minnesota Timberwolves",
	"NOP": "New Orleans Pelicans",
	"NYK": "New York Knicks",
	"OKC": "Oklahoma City Thunder",
	"ORL": "Orlando Magic",
	"PHI": "Philadelphia 76ers",
	"PHX": "Phoenix Suns",
	"POR": "Portland Trail Blazers",
	"SAC": "Sacramento Kings",
	"SAS": "San Antonio Spurs",
	"TOR": "Toronto Raptors",
	"UTA": "Utah Jazz",
	"WAS": "Washington Wizards",
}

// nameToAbbrev is the reverse mapping, lowercased for case-insensitive
// lookup.
var nameToAbbrev = func() map[string]string {
	m := make(map[string]string, len(nbaTeams))
	for abbrev, name := range nbaTeams {
		m[strings.ToLower(name)] = abbrev
	}
	return m
}()

// TeamAbbreviation resolves a team reference from a market title to its
// 3-letter code: exact (case-insensitive) franchise name first, then a
// substring match so "Miami" or "the Boston Celtics" still resolve.
// Returns "" when nothing matches.
func TeamAbbreviation(name string) string {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return ""
	}

	if abbrev, ok := nameToAbbrev[needle]; ok {
		return abbrev
	}

	if _, ok := nbaTeams[strings.ToUpper(needle)]; ok {
		return strings.ToUpper(needle)
	}

	for name, abbrev := range nameToAbbrev {
		if strings.Contains(name, needle) || strings.Contains(needle, name) {
			return abbrev
		}
	}

	return ""
}

// IsValidAbbreviation reports whether the given code is one of the 30
// franchise abbreviations.
func IsValidAbbreviation(code string) bool {
	_, ok := nbaTeams[strings.ToUpper(code)]
	return ok
}
