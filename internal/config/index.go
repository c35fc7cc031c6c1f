package config

import (
	"sort"
	"sync"

	bloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/tavinathanson/taviblock/internal/domain"
)

// TargetIndex is the in-memory, queryable view of the configured targets: a
// name lookup, a tag-to-targets index, and a bloom filter that short-
// circuits the common "not a configured name at all" case in front of the
// exact map lookup, the same pre-filter role a bloom filter plays in front
// of an exact-match blocklist store.
//
// A reload swaps the entire contents via Replace while the Active Enforcer
// and the extend path read it concurrently from the AsyncSink goroutine
// (internal/scheduler/async_sink.go), so every field is behind mu.
type TargetIndex struct {
	mu          sync.RWMutex
	byName      map[string]domain.Target
	byTag       map[string][]string
	filter      *bloom.BloomFilter
	appByDomain map[string]string
}

// NewTargetIndex builds an index over targets, sized for the dataset.
func NewTargetIndex(targets []domain.Target) *TargetIndex {
	idx := &TargetIndex{}
	idx.build(targets)
	return idx
}

func (idx *TargetIndex) build(targets []domain.Target) {
	byName := make(map[string]domain.Target, len(targets))
	byTag := make(map[string][]string)

	capacity := uint(len(targets)*2 + 16)
	filter := bloom.NewWithEstimates(capacity, 0.01)

	for _, t := range targets {
		byName[t.Name] = t
		filter.AddString(t.Name)
		for _, d := range t.Domains {
			filter.AddString(d)
		}
		for _, tag := range t.Tags {
			byTag[tag] = append(byTag[tag], t.Name)
		}
	}

	idx.byName = byName
	idx.byTag = byTag
	idx.filter = filter
	if idx.appByDomain == nil {
		idx.appByDomain = make(map[string]string)
	}
}

// Replace swaps idx's entire contents for other's under a write lock, the
// way a configuration reload re-applies a changed target list without
// handing every holder of idx a new pointer.
func (idx *TargetIndex) Replace(other *TargetIndex) {
	other.mu.RLock()
	byName, byTag, filter, appByDomain := other.byName, other.byTag, other.filter, other.appByDomain
	other.mu.RUnlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byName = byName
	idx.byTag = byTag
	idx.filter = filter
	idx.appByDomain = appByDomain
}

// SetAppBindings installs the domain-to-application-name bindings the
// Active Enforcer uses to terminate the app associated with a blocked
// domain (§6's app_bindings document key).
func (idx *TargetIndex) SetAppBindings(bindings map[string]string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.appByDomain = bindings
}

// AppForDomain returns the bound application name for domain, if any.
func (idx *TargetIndex) AppForDomain(domain string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	app, ok := idx.appByDomain[domain]
	return app, ok
}

// MightKnow reports whether name could possibly be a configured target or
// domain. A false result is authoritative ("definitely not configured"); a
// true result still needs the exact lookup below.
func (idx *TargetIndex) MightKnow(name string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.filter.TestString(name)
}

// Lookup resolves a bare target or group name to its Target, applying the
// same ".com" fallback the reference implementation uses for convenience
// (e.g. "netflix" resolving to "netflix.com" when no exact group exists).
func (idx *TargetIndex) Lookup(name string) (domain.Target, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if !idx.filter.TestString(name) && !idx.filter.TestString(name+".com") {
		return domain.Target{}, false
	}
	if t, ok := idx.byName[name]; ok {
		return t, true
	}
	if t, ok := idx.byName[name+".com"]; ok {
		return t, true
	}
	return domain.Target{}, false
}

// AllDomains returns the union of every configured target's domains,
// lexicographically sorted.
func (idx *TargetIndex) AllDomains() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, t := range idx.byName {
		for _, d := range t.Domains {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Domains returns the domains covered by the given target names.
func (idx *TargetIndex) Domains(names []string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		t, ok := idx.byName[n]
		if !ok {
			continue
		}
		for _, d := range t.Domains {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}

// Names returns every configured target name.
func (idx *TargetIndex) Names() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	names := make([]string, 0, len(idx.byName))
	for n := range idx.byName {
		names = append(names, n)
	}
	return names
}

// ByTag returns target names carrying tag.
func (idx *TargetIndex) ByTag(tag string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byTag[tag]
}

// ResolveSelectors implements §4.2 step 1: given a profile and the raw CLI
// target names, returns the final list of target names to admit.
//
// Precedence: explicit rawTargets always win over profile selectors; a
// profile's `all` is checked only when rawTargets is empty; then `tags`;
// then `only`.
func (idx *TargetIndex) ResolveSelectors(p domain.Profile, rawTargets []string) []string {
	if len(rawTargets) > 0 {
		return rawTargets
	}
	if p.All {
		return idx.Names()
	}
	if len(p.Tags) > 0 {
		seen := make(map[string]bool)
		var names []string
		for _, tag := range p.Tags {
			for _, n := range idx.ByTag(tag) {
				if !seen[n] {
					seen[n] = true
					names = append(names, n)
				}
			}
		}
		return names
	}
	if len(p.Only) > 0 {
		return p.Only
	}
	return nil
}
