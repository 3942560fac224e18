package catalog

import (
	"slices"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// ResolverOption configures a [Resolver].
type ResolverOption func(*Resolver)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a name that
// sounds like a known character. Default: 0.70.
func WithPhoneticThreshold(threshold float64) ResolverOption {
	return func(r *Resolver) { r.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a name that
// only looks like a known character. Default: 0.85.
func WithFuzzyThreshold(threshold float64) ResolverOption {
	return func(r *Resolver) { r.fuzzyThreshold = threshold }
}

// Resolver maps what a user typed ("miles", "Myles") to a catalog
// identifier ("Miles").
//
// An exact case-insensitive match always wins. Otherwise names whose Double
// Metaphone codes overlap the input are ranked by Jaro-Winkler similarity;
// when none sound alike, plain Jaro-Winkler with a stricter threshold is
// tried. Safe for concurrent use.
type Resolver struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	mu    sync.RWMutex
	names []entry
}

// entry caches the normalised form and phonetic codes of one name.
type entry struct {
	name  string
	lower string
	codes map[string]struct{}
}

// NewResolver returns a Resolver over names.
func NewResolver(names []string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	r.SetNames(names)
	return r
}

// SetNames replaces the known names, for example after the catalog loaded.
func (r *Resolver) SetNames(names []string) {
	entries := make([]entry, 0, len(names))
	for _, n := range names {
		lower := strings.ToLower(strings.TrimSpace(n))
		if lower == "" {
			continue
		}
		entries = append(entries, entry{name: n, lower: lower, codes: metaphoneCodes(lower)})
	}
	r.mu.Lock()
	r.names = entries
	r.mu.Unlock()
}

// Names returns the known names in catalog order.
func (r *Resolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	for i, e := range r.names {
		out[i] = e.name
	}
	return out
}

// Resolve returns the catalog name for input, or input unchanged when
// nothing is close enough.
func (r *Resolver) Resolve(input string) string {
	name, _, ok := r.Match(input)
	if !ok {
		return input
	}
	return name
}

// Match is Resolve with the similarity score and a found flag.
func (r *Resolver) Match(input string) (name string, score float64, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(input))
	if lower == "" {
		return input, 0, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := slices.IndexFunc(r.names, func(e entry) bool { return e.lower == lower }); i >= 0 {
		return r.names[i].name, 1, true
	}

	codes := metaphoneCodes(lower)
	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, e := range r.names {
		s := matchr.JaroWinkler(lower, e.lower, false)
		if overlaps(codes, e.codes) {
			if s >= r.phoneticThreshold && (!bestPhonetic || s > bestScore) {
				best, bestScore, bestPhonetic = e.name, s, true
			}
			continue
		}
		if !bestPhonetic && s >= r.fuzzyThreshold && s > bestScore {
			best, bestScore = e.name, s
		}
	}
	if best == "" {
		return input, 0, false
	}
	return best, bestScore, true
}

// metaphoneCodes returns the non-empty Double Metaphone codes of every word
// in s.
func metaphoneCodes(s string) map[string]struct{} {
	words := strings.Fields(s)
	codes := make(map[string]struct{}, len(words)*2)
	for _, w := range words {
		p, alt := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if alt != "" {
			codes[alt] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
