package registry

import (
	"fmt"
	"strings"
	"time"
)

// ParamsFromMap extracts the recognized search keys from a free-form
// request mapping. Unknown keys and empty strings are dropped, as are
// INSType values outside the registry's instance codes 1, 2 and 3.
func ParamsFromMap(raw map[string]any) SearchParams {
	get := func(key string) string {
		v, ok := raw[key]
		if !ok {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			return ""
		}
		return strings.TrimSpace(s)
	}
	ins := get("INSType")
	switch ins {
	case "1", "2", "3":
	default:
		ins = ""
	}
	return SearchParams{
		CourtRegion:      get("CourtRegion"),
		INSType:          ins,
		ChairmenName:     get("ChairmenName"),
		SearchExpression: get("SearchExpression"),
		RegDateBegin:     get("RegDateBegin"),
		RegDateEnd:       get("RegDateEnd"),
		DateFrom:         get("DateFrom"),
		DateTo:           get("DateTo"),
	}
}

// ParseRegistryDate parses the registry's DD.MM.YYYY date format.
// Slash and dash separators are tolerated; two-digit years mean 20xx.
func ParseRegistryDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	norm := strings.NewReplacer("/", ".", "-", ".").Replace(s)
	parts := strings.Split(norm, ".")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}
	t, err := time.Parse("2.1.2006", strings.Join(parts, "."))
	if err != nil {
		// Two-digit year fallback.
		t2, err2 := time.Parse("2.1.06", strings.Join(parts, "."))
		if err2 != nil {
			return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		t = t2
	}
	return t, nil
}
