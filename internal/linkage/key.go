package linkage

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/courtside-labs/courtside/internal/market"
)

// MarketMeta is the descriptive metadata for one venue-native market,
// supplied by market discovery at subscription time. Only Title plus
// Slug (Polymarket) or Ticker (Kalshi) are required for key derivation;
// ScheduledStart is a fallback date source.
type MarketMeta struct {
	Venue          market.Venue
	NativeID       string
	Title          string
	Slug           string // Polymarket, e.g. "nba-mia-bos-2025-12-19"
	Ticker         string // Kalshi, e.g. "KXNBAGAME-25DEC19MIABOS"
	ScheduledStart time.Time
}

// dateTagLayout is the Kalshi-style date tag both venues' keys
// normalize to, e.g. "25DEC19" for 2025-12-19.
const dateTagLayout = "06Jan02"

var (
	kalshiDateRe = regexp.MustCompile(`-(\d{2}[A-Z]{3}\d{2})`)
	polySlugRe   = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})$`)

	// Kalshi suffixes that obscure the matchup in the title.
	kalshiNoise = strings.NewReplacer(
		" Winner?", "",
		": Total Points", "",
		" Matchup", "",
	)
)

// EventKey is the canonical, venue-agnostic identity of one game:
// sorted team codes plus the date tag. Its String form doubles as the
// canonical event ID, so resolution is idempotent across restarts
// without coordination.
type EventKey struct {
	TeamA string // lexicographically first
	TeamB string
	Date  string // date tag, e.g. "25DEC19"
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s-%s-%s", k.TeamA, k.TeamB, k.Date)
}

// Valid reports whether both teams and the date resolved.
func (k EventKey) Valid() bool {
	return k.TeamA != "" && k.TeamB != "" && k.Date != ""
}

// shiftDate returns the key with its date tag moved by the given number
// of days, for tolerating venue timezone skew. Returns the key
// unchanged if the tag does not parse.
func (k EventKey) shiftDate(days int) EventKey {
	t, err := parseDateTag(k.Date)
	if err != nil {
		return k
	}
	k.Date = strings.ToUpper(t.AddDate(0, 0, days).Format(dateTagLayout))
	return k
}

// parseDateTag parses a "25DEC19" style tag.
func parseDateTag(tag string) (time.Time, error) {
	if len(tag) != 7 {
		return time.Time{}, fmt.Errorf("bad date tag %q", tag)
	}
	norm := tag[:3] + strings.ToLower(tag[3:5]) + tag[5:]
	return time.Parse(dateTagLayout, norm)
}

// DeriveKey extracts the canonical event key from venue metadata.
// The boolean is false when teams or date cannot be determined, in
// which case the market stays unresolved until an override arrives.
func DeriveKey(meta MarketMeta) (EventKey, bool) {
	var t1, t2, date string

	switch meta.Venue {
	case market.VenuePolymarket:
		t1, t2 = splitTeams(meta.Title, " vs. ", " at ")
		if t1 == "" {
			t1, t2 = teamsFromSlug(meta.Slug)
		}
		if m := polySlugRe.FindStringSubmatch(meta.Slug); m != nil {
			if d, err := time.Parse("2006-01-02", m[1]); err == nil {
				date = strings.ToUpper(d.Format(dateTagLayout))
			}
		}
	case market.VenueKalshi:
		t1, t2 = splitTeams(kalshiNoise.Replace(meta.Title), " vs ", " at ", " vs. ")
		if m := kalshiDateRe.FindStringSubmatch(meta.Ticker); m != nil {
			date = m[1]
			if t1 == "" {
				tail := meta.Ticker[strings.Index(meta.Ticker, m[1])+len(m[1]):]
				t1, t2 = teamsFromCompact(tail)
			}
		}
	}

	if date == "" && !meta.ScheduledStart.IsZero() {
		date = strings.ToUpper(meta.ScheduledStart.Format(dateTagLayout))
	}

	key := newEventKey(t1, t2, date)
	return key, key.Valid()
}

// newEventKey sorts the team codes so key derivation is
// order-insensitive ("Heat vs. Celtics" and "Boston vs Miami" agree).
func newEventKey(t1, t2, date string) EventKey {
	teams := []string{t1, t2}
	sort.Strings(teams)
	return EventKey{TeamA: teams[0], TeamB: teams[1], Date: date}
}

// teamsFromCompact parses a pair of back-to-back team codes like
// "MIABOS" from a Kalshi ticker tail, for markets registered without a
// title.
func teamsFromCompact(tail string) (string, string) {
	tail = strings.ToUpper(strings.TrimSpace(tail))
	if len(tail) != 6 {
		return "", ""
	}
	a, b := tail[:3], tail[3:]
	if !IsValidAbbreviation(a) || !IsValidAbbreviation(b) {
		return "", ""
	}
	return a, b
}

// teamsFromSlug scans a Polymarket slug like "nba-mia-bos-2025-12-19"
// for two team codes.
func teamsFromSlug(slug string) (string, string) {
	var codes []string
	for _, tok := range strings.Split(slug, "-") {
		if len(tok) == 3 && IsValidAbbreviation(tok) {
			codes = append(codes, strings.ToUpper(tok))
		}
	}
	if len(codes) != 2 {
		return "", ""
	}
	return codes[0], codes[1]
}

// splitTeams tries each separator in order and resolves both sides to
// team codes. Returns empty strings when the title is not a matchup.
func splitTeams(title string, separators ...string) (string, string) {
	for _, sep := range separators {
		if !strings.Contains(title, sep) {
			continue
		}
		parts := strings.SplitN(title, sep, 2)
		if len(parts) != 2 {
			continue
		}
		t1 := TeamAbbreviation(parts[0])
		t2 := TeamAbbreviation(parts[1])
		if t1 != "" && t2 != "" {
			return t1, t2
		}
	}
	return "", ""
}
