package rotation

import (
	"math/rand"
	"sort"
	"strings"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// canonicalModelTable seeds NormalizeModelID with the concrete
// canonicalizations the original repo hardcodes (SPEC_FULL.md
// supplemented feature #3); extensible by callers.
var canonicalModelTable = map[string]string{
	"gemini-1-5-pro":       "gemini-1.5-pro",
	"gemini-2-5-pro":       "gemini-2.5-pro",
	"gemini-3-1-pro":       "gemini-3.1-pro",
	"gemini-3-pro-preview": "gemini-3-pro-preview",
	"gemini-pro":           "gemini-pro",
}

// NormalizeModelID canonicalizes a model id for cooldown keying and
// matching: lowercase, spaces/dots collapsed to hyphens, then mapped
// through a small canonicalization table (spec §4.6).
func NormalizeModelID(modelID string) string {
	if modelID == "" {
		return "default"
	}
	n := strings.ToLower(modelID)
	n = strings.ReplaceAll(n, " ", "-")
	n = strings.ReplaceAll(n, ".", "-")
	if strings.Contains(n, "gemini") {
		if canon, ok := canonicalModelTable[n]; ok {
			return canon
		}
	}
	return n
}

// priority is the sort key for candidate profile selection:
// (-efficiency, usage, random) ascending (spec §4.6 step 3).
type priority struct {
	negEfficiency int
	usage         int64
	random        float64
	path          string
}

func less(a, b priority) bool {
	if a.negEfficiency != b.negEfficiency {
		return a.negEfficiency < b.negEfficiency
	}
	if a.usage != b.usage {
		return a.usage < b.usage
	}
	return a.random < b.random
}

// efficiency counts active cooldowns on profile for models OTHER than
// target (spec glossary: "prefer profiles already partially spent").
func efficiency(entry gateway.CooldownEntry, targetModel string, now time.Time) int {
	count := 0
	for model, ts := range entry.ModelExpiry {
		if model == "global" || model == targetModel {
			continue
		}
		if ts.After(now) {
			count++
		}
	}
	return count
}

// candidateFilter reports whether profile is usable for targetModel:
// no active global cooldown and no active cooldown for the normalized
// target model id.
func candidateFilter(cooldowns map[string]gateway.CooldownEntry, path, normalizedTarget string, now time.Time) bool {
	entry, ok := cooldowns[path]
	if !ok {
		return true
	}
	if ts, ok := entry.ModelExpiry["global"]; ok && ts.After(now) {
		return false
	}
	if normalizedTarget == "" {
		return true
	}
	if ts, ok := entry.ModelExpiry[normalizedTarget]; ok && ts.After(now) {
		return false
	}
	return true
}

// findBestProfile scans dirs for candidate profiles, filters cooldowns,
// and returns the highest-priority path, or "" if none qualify.
func findBestProfile(store gateway.ProfileStore, clock gateway.Clock, dirs []string, targetModel string, cooldowns map[string]gateway.CooldownEntry) string {
	all, err := store.ListProfiles(dirs)
	if err != nil || len(all) == 0 {
		return ""
	}
	normalizedTarget := ""
	if targetModel != "" {
		normalizedTarget = NormalizeModelID(targetModel)
	}
	now := clock.Now()

	var candidates []priority
	for _, p := range all {
		if !candidateFilter(cooldowns, p, normalizedTarget, now) {
			continue
		}
		eff := 0
		if entry, ok := cooldowns[p]; ok {
			eff = efficiency(entry, normalizedTarget, now)
		}
		usage, _ := store.GetUsage(p)
		candidates = append(candidates, priority{
			negEfficiency: -eff,
			usage:         usage,
			random:        rand.Float64(),
			path:          p,
		})
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
	return candidates[0].path
}

// getNextProfile implements the two-tier selection (SPEC_FULL.md
// supplemented feature #2): Tier 1 scans the active, saved and emergency
// directories together; if it yields nothing, Tier 2 scans the emergency
// directory alone.
func getNextProfile(store gateway.ProfileStore, clock gateway.Clock, roots Roots, targetModel string, cooldowns map[string]gateway.CooldownEntry) string {
	standardDirs := []string{roots.Active, roots.Saved, roots.Emergency}
	if p := findBestProfile(store, clock, standardDirs, targetModel, cooldowns); p != "" {
		return p
	}
	return findBestProfile(store, clock, []string{roots.Emergency}, targetModel, cooldowns)
}

// Roots names the three profile pool directories (spec §3).
type Roots struct {
	Active    string
	Saved     string
	Emergency string
}
