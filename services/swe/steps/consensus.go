// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package steps

import (
	"sort"

	"github.com/sourcegraph/go-diff/diff"
)

// ============================================================================
// Vote counting
// ============================================================================

// voteTally counts votes per key while remembering first-seen order, so
// that ranking ties break deterministically regardless of arrival order.
type voteTally struct {
	counts map[string]int
	order  []string
}

func newVoteTally() *voteTally {
	return &voteTally{counts: map[string]int{}}
}

// Add casts one vote for key.
func (t *voteTally) Add(key string) {
	if _, seen := t.counts[key]; !seen {
		t.order = append(t.order, key)
	}
	t.counts[key]++
}

// Total returns the number of votes cast.
func (t *voteTally) Total() int {
	total := 0
	for _, c := range t.counts {
		total += c
	}
	return total
}

// MostCommon returns up to n keys ordered by descending count, first-seen
// order breaking ties. n <= 0 returns all keys.
func (t *voteTally) MostCommon(n int) []string {
	keys := make([]string, len(t.order))
	copy(keys, t.order)
	sort.SliceStable(keys, func(i, j int) bool {
		return t.counts[keys[i]] > t.counts[keys[j]]
	})
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// ============================================================================
// Patch consensus
// ============================================================================

// PatchCandidate is one distinct surviving patch with its vote standing.
// Share is the fraction of accepted votes that produced this exact patch;
// shares across a consensus list sum to 1.
type PatchCandidate struct {
	Patch string  `json:"model_patch"`
	Count int     `json:"count"`
	Share float64 `json:"share"`
}

// NormalizeDiff canonicalizes unified diff text so that candidates which
// differ only in formatting noise vote together. Unparsable text votes
// under its raw form. The representative text reported for a vote group
// is always the first-seen raw candidate, never the normalized form.
func NormalizeDiff(text string) string {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil || len(fileDiffs) == 0 {
		return text
	}
	out, err := diff.PrintMultiFileDiff(fileDiffs)
	if err != nil {
		return text
	}
	return string(out)
}

// patchConsensus aggregates accepted patch texts into a ranked candidate
// list: distinct by normalized text, descending vote count, first-seen
// tie order, share = count / total accepted votes.
func patchConsensus(accepted []string) []PatchCandidate {
	tally := newVoteTally()
	representative := map[string]string{}
	for _, patch := range accepted {
		key := NormalizeDiff(patch)
		if _, seen := representative[key]; !seen {
			representative[key] = patch
		}
		tally.Add(key)
	}
	total := tally.Total()
	if total == 0 {
		return nil
	}
	candidates := make([]PatchCandidate, 0, len(tally.order))
	for _, key := range tally.MostCommon(0) {
		count := tally.counts[key]
		candidates = append(candidates, PatchCandidate{
			Patch: representative[key],
			Count: count,
			Share: float64(count) / float64(total),
		})
	}
	return candidates
}
