// Package classify determines a document's court region and instance type.
//
// Classification is two-stage: search parameters are authoritative when
// present; otherwise the court name is matched against curated keyword
// tables. Documents that yield neither field are registered unclassified.
package classify

import (
	"strings"

	"github.com/reyestr-project/dispatch/internal/registry"
)

// regionKeywords maps city/oblast name stems to registry region codes.
// Stems are matched case-insensitively as substrings of the court name.
var regionKeywords = []struct {
	stem   string
	region string
}{
	{"київ", "11"},
	{"львів", "14"},
	{"одес", "15"},
	{"харків", "19"},
	{"дніпро", "12"},
	{"запоріжж", "13"},
	{"вінниц", "05"},
	{"луцьк", "07"},
	{"донецьк", "14"},
	{"житомир", "18"},
	{"ужгород", "21"},
	{"івано-франківськ", "06"},
	{"кропивницьк", "09"},
	{"полтав", "17"},
	{"рівне", "18"},
	{"суми", "20"},
	{"тернопіль", "22"},
	{"херсон", "23"},
	{"хмельницьк", "24"},
	{"черкас", "25"},
	{"чернівці", "26"},
	{"чернігів", "27"},
}

// Instance type codes: 1 first instance, 2 appellate, 3 cassation.
var instanceKeywords = []struct {
	stems    []string
	instance string
}{
	{[]string{"апеляційн", "апел"}, "2"},
	{[]string{"касаційн", "касац"}, "3"},
	{[]string{"районн", "міськ", "окружн"}, "1"},
}

// Document classifies a document from its search parameters and metadata.
func Document(meta registry.DocumentMetadata, params *registry.SearchParams) registry.Classification {
	cls := registry.Classification{Source: registry.SourceNone}

	if params != nil {
		if params.CourtRegion != "" {
			cls.CourtRegion = params.CourtRegion
			cls.Source = registry.SourceSearchParams
		}
		if params.INSType != "" {
			cls.InstanceType = params.INSType
			if cls.Source == registry.SourceNone {
				cls.Source = registry.SourceSearchParams
			}
		}
	}

	name := strings.ToLower(meta.CourtName)
	if cls.CourtRegion == "" && name != "" {
		for _, kw := range regionKeywords {
			if strings.Contains(name, kw.stem) {
				cls.CourtRegion = kw.region
				if cls.Source == registry.SourceNone {
					cls.Source = registry.SourceExtracted
				}
				break
			}
		}
	}
	if cls.InstanceType == "" && name != "" {
		for _, kw := range instanceKeywords {
			for _, stem := range kw.stems {
				if strings.Contains(name, stem) {
					cls.InstanceType = kw.instance
					if cls.Source == registry.SourceNone {
						cls.Source = registry.SourceExtracted
					}
					break
				}
			}
			if cls.InstanceType != "" {
				break
			}
		}
	}

	if !cls.Complete() {
		// Partial classifications are not persisted; the document stays
		// unclassified until both fields can be determined.
		return registry.Classification{Source: registry.SourceNone}
	}
	return cls
}
