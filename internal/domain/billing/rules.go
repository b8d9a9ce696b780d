package billing

import (
	"math"
	"strings"
)

type rule struct {
	code        string
	description string
	modifiers   []string
}

var sessionTypeRules = map[string]rule{
	"individual":   {code: "97153", description: "Adaptive behavior treatment by protocol"},
	"group":        {code: "97154", description: "Group adaptive behavior treatment by protocol", modifiers: []string{"HQ"}},
	"assessment":   {code: "97151", description: "Behavior identification assessment"},
	"consultation": {code: "97155", description: "Adaptive behavior treatment with protocol modification"},
}

var fallbackRule = sessionTypeRules["individual"]

// locationModifiers is evaluated in order; each entry adds its modifier when
// any keyword is a substring of the lowercased location text.
var locationModifiers = []struct {
	keywords []string
	modifier string
}{
	{keywords: []string{"tele", "virtual", "remote"}, modifier: "95"},
	{keywords: []string{"school"}, modifier: "HQ"},
	{keywords: []string{"home"}, modifier: "U4"},
}

const (
	longDurationMinutes  = 180
	longDurationModifier = "KX"
)

// DeriveBillingMetadata maps a session and optional overrides to a procedure
// code, ordered modifiers and a rounded duration. Modifiers are assembled as
// override, rule defaults, location, long duration; each is trimmed and
// uppercased and only the first occurrence is kept.
func DeriveBillingMetadata(session SessionInput, overrides *Overrides) Metadata {
	selected, source := selectRule(session.SessionType, overrides)

	var candidates []string
	if overrides != nil {
		candidates = append(candidates, overrides.Modifiers...)
	}
	candidates = append(candidates, selected.modifiers...)
	candidates = append(candidates, locationModifiersFor(session.LocationType)...)

	duration := durationMinutes(session)
	if duration != nil && *duration >= longDurationMinutes {
		candidates = append(candidates, longDurationModifier)
	}

	description := selected.description
	if overrides != nil && strings.TrimSpace(overrides.Description) != "" {
		description = strings.TrimSpace(overrides.Description)
	}

	return Metadata{
		Code:            selected.code,
		Description:     description,
		Modifiers:       normalizeModifiers(candidates),
		Source:          source,
		DurationMinutes: duration,
	}
}

func selectRule(sessionType string, overrides *Overrides) (rule, Source) {
	if overrides != nil {
		if code := strings.ToUpper(strings.TrimSpace(overrides.CPTCode)); code != "" {
			return rule{code: code, description: describeCode(code)}, SourceOverride
		}
	}
	if r, ok := sessionTypeRules[strings.ToLower(strings.TrimSpace(sessionType))]; ok {
		return r, SourceSessionType
	}
	return fallbackRule, SourceFallback
}

// describeCode reuses the rule table description for overridden codes that
// the table knows about.
func describeCode(code string) string {
	for _, r := range sessionTypeRules {
		if r.code == code {
			return r.description
		}
	}
	return "Procedure " + code
}

func locationModifiersFor(location string) []string {
	location = strings.ToLower(location)
	if strings.TrimSpace(location) == "" {
		return nil
	}
	var out []string
	for _, lm := range locationModifiers {
		for _, kw := range lm.keywords {
			if strings.Contains(location, kw) {
				out = append(out, lm.modifier)
				break
			}
		}
	}
	return out
}

func normalizeModifiers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// durationMinutes rounds the session span to whole minutes, half up.
// Missing times or a non-positive result give nil.
func durationMinutes(s SessionInput) *int {
	if s.StartTime.IsZero() || s.EndTime.IsZero() {
		return nil
	}
	minutes := math.Round(s.EndTime.Sub(s.StartTime).Minutes())
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) || minutes <= 0 {
		return nil
	}
	d := int(minutes)
	return &d
}
