// Package category canonicalises the free-form category labels reported by
// upstream sources into a closed set of known kinds.
//
// Upstream labels are not stable between passes ("Exterminate",
// "exterminate ", "Extermination"), so every comparison of categories in the
// application goes through Canonicalize and Same.
package category

import (
	"strings"
	"unicode"
)

// Kind is a known category. Unknown carries the normalised raw label.
type Kind int

// Known kinds.
const (
	Unknown Kind = iota
	Exterminate
	Survival
	Defense
	MobileDefense
	MirrorDefense
	Capture
	Rescue
	Sabotage
	Spy
	Interception
	Excavation
	Disruption
	Defection
	Hijack
	Assault
	Assassination
	InfestedSalvage
	Alchemy
	Skirmish
	Volatile
	Orphix
	VoidCascade
	VoidFlood
	VoidArmageddon
	PrimeResurgence
	UpdateNotes
)

var kindNames = map[Kind]string{
	Exterminate:     "Exterminate",
	Survival:        "Survival",
	Defense:         "Defense",
	MobileDefense:   "Mobile Defense",
	MirrorDefense:   "Mirror Defense",
	Capture:         "Capture",
	Rescue:          "Rescue",
	Sabotage:        "Sabotage",
	Spy:             "Spy",
	Interception:    "Interception",
	Excavation:      "Excavation",
	Disruption:      "Disruption",
	Defection:       "Defection",
	Hijack:          "Hijack",
	Assault:         "Assault",
	Assassination:   "Assassination",
	InfestedSalvage: "Infested Salvage",
	Alchemy:         "Alchemy",
	Skirmish:        "Skirmish",
	Volatile:        "Volatile",
	Orphix:          "Orphix",
	VoidCascade:     "Void Cascade",
	VoidFlood:       "Void Flood",
	VoidArmageddon:  "Void Armageddon",
	PrimeResurgence: "Prime Resurgence",
	UpdateNotes:     "Update Notes",
}

// aliases maps normalised spellings to kinds in addition to the display names.
var aliases = map[string]Kind{
	"extermination":    Exterminate,
	"mobile defence":   MobileDefense,
	"defence":          Defense,
	"mirror defence":   MirrorDefense,
	"salvage":          InfestedSalvage,
	"assassinate":      Assassination,
	"railjack":         Skirmish,
	"varzia":           PrimeResurgence,
	"aya":              PrimeResurgence,
	"patch notes":      UpdateNotes,
	"pc update notes":  UpdateNotes,
	"hotfix":           UpdateNotes,
	"void flood":       VoidFlood,
	"void cascade":     VoidCascade,
	"void armageddon":  VoidArmageddon,
	"prime resurgence": PrimeResurgence,
}

// lookup holds every normalised name and alias.
var lookup = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames)+len(aliases))
	for k, name := range kindNames {
		m[Normalize(name)] = k
	}
	for alias, k := range aliases {
		m[alias] = k
	}
	return m
}()

// String returns the display name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Category is a canonicalised category label.
type Category struct {
	Kind Kind
	raw  string
}

// Canonicalize maps a raw upstream label onto a Category.
func Canonicalize(raw string) Category {
	n := Normalize(raw)
	switch {
	case n == "":
		return Category{Kind: Unknown}
	case strings.Contains(n, "cascade"):
		return Category{Kind: VoidCascade}
	case strings.Contains(n, "armageddon"):
		return Category{Kind: VoidArmageddon}
	case strings.Contains(n, "flood"), strings.Contains(n, "corruption"):
		return Category{Kind: VoidFlood}
	}

	if k, ok := lookup[n]; ok {
		return Category{Kind: k}
	}

	// Longest known name contained in the label wins, so "mobile defense
	// (steel path)" resolves to Mobile Defense rather than Defense.
	best, bestName := Unknown, ""
	for name, k := range lookup {
		if !containsWord(n, name) {
			continue
		}
		if len(name) > len(bestName) || (len(name) == len(bestName) && name < bestName) {
			best, bestName = k, name
		}
	}
	if best != Unknown {
		return Category{Kind: best}
	}
	return Category{Kind: Unknown, raw: n}
}

// Key is the stable comparison key of the category.
func (c Category) Key() string {
	if c.Kind == Unknown {
		return c.raw
	}
	return Normalize(c.Kind.String())
}

// Label is the human readable name of the category.
func (c Category) Label() string {
	if c.Kind == Unknown {
		return titleCase(c.raw)
	}
	return c.Kind.String()
}

// String implements fmt.Stringer.
func (c Category) String() string {
	return c.Label()
}

// IsZero reports whether the category was built from an empty label.
func (c Category) IsZero() bool {
	return c.Kind == Unknown && c.raw == ""
}

// AlwaysRecheck reports whether the category must be compared by expiry as
// well as by identifier set. Void Cascade, Flood and Armageddon missions
// rotate on the same nodes, so identical identifiers do not imply identical
// missions.
func (c Category) AlwaysRecheck() bool {
	switch c.Kind {
	case VoidCascade, VoidFlood, VoidArmageddon:
		return true
	}
	return false
}

// Same reports whether two categories refer to the same thing: equal keys,
// or either key contained in the other.
func Same(a, b Category) bool {
	ka, kb := a.Key(), b.Key()
	if ka == "" || kb == "" {
		return ka == kb
	}
	if ka == kb {
		return true
	}
	if a.Kind != Unknown && b.Kind != Unknown {
		return false
	}
	return strings.Contains(ka, kb) || strings.Contains(kb, ka)
}

// Normalize lower-cases s and collapses runs of whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func containsWord(s, word string) bool {
	idx := strings.Index(s, word)
	for idx >= 0 {
		end := idx + len(word)
		before := idx == 0 || !isLetter(s[idx-1])
		after := end == len(s) || !isLetter(s[end])
		if before && after {
			return true
		}
		next := strings.Index(s[idx+1:], word)
		if next < 0 {
			break
		}
		idx += next + 1
	}
	return false
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z'
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
