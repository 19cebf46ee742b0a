// Package capability computes and ranks the capability score spec §3
// defines: a weighted linear combination of a shard node's resource
// snapshot, used to pick among candidate hosts for FallbackToSingleNode
// and general shard selection (spec §4.5).
package capability

import (
	"runtime"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardmesh/internal/announcement"
	"github.com/dreamware/shardmesh/internal/config"
)

// Score computes the weighted linear combination spec §3 calls the
// "score" field. Weights are not tied to any specific ratio; callers
// supply their own config.CapabilityWeights (config.DefaultCapabilityWeights
// if unset).
func Score(c announcement.Capabilities, w config.CapabilityWeights) float64 {
	cpuAvailable := 100.0 - c.CPUUsagePercent
	activeHeadroom := 0.0
	if c.MaxConcurrent > 0 {
		activeHeadroom = float64(c.MaxConcurrent-c.ActiveRequests) / float64(c.MaxConcurrent)
	}

	return w.CPUCores*float64(c.CPUCores) +
		w.CPUAvailable*cpuAvailable +
		w.MemoryMB*float64(c.AvailableMemoryMB) +
		w.GPUMemoryMB*float64(c.GPUMemoryMB) +
		w.Latency*c.LatencyMS +
		w.Reputation*c.Reputation +
		w.ActiveHeadroom*activeHeadroom
}

// Candidate is one ranking input: a peer's current announcement plus its
// computed score, kept together so Rank doesn't recompute Score per
// comparison.
type Candidate struct {
	PeerID       string
	Announcement announcement.Announcement
	Score        float64
}

// RankCandidates orders candidates by descending capability score, spec
// §4.5's tie-breaking rule: lowest observed latency_ms, then lowest
// active_requests, then lexicographic peer id. The input slice is sorted
// in place and also returned for convenience.
func RankCandidates(candidates []Candidate) []Candidate {
	less := func(a, b Candidate) bool {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Announcement.Capabilities.LatencyMS != b.Announcement.Capabilities.LatencyMS {
			return a.Announcement.Capabilities.LatencyMS < b.Announcement.Capabilities.LatencyMS
		}
		if a.Announcement.Capabilities.ActiveRequests != b.Announcement.Capabilities.ActiveRequests {
			return a.Announcement.Capabilities.ActiveRequests < b.Announcement.Capabilities.ActiveRequests
		}
		return a.PeerID < b.PeerID
	}
	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		}
		return 0
	})
	return candidates
}

// RankAnnouncements builds Candidates from a set of announcements scored
// under w, and returns them ranked best-first.
func RankAnnouncements(anns []announcement.Announcement, w config.CapabilityWeights) []Candidate {
	candidates := make([]Candidate, len(anns))
	for i, a := range anns {
		candidates[i] = Candidate{
			PeerID:       a.PeerID,
			Announcement: a,
			Score:        Score(a.Capabilities, w),
		}
	}
	return RankCandidates(candidates)
}

// LocalSnapshot samples this process's own CPU core count as a
// capability field. Go's runtime package is the only source of this
// information in the example corpus (no gopsutil-equivalent host-metrics
// library appears anywhere in it), so this one field is read directly
// from the standard library rather than through a third-party sampler;
// everything else in Capabilities (memory pressure, GPU state, reputation,
// load) is supplied by the caller from its own bookkeeping.
func LocalSnapshot() announcement.Capabilities {
	return announcement.Capabilities{
		CPUCores: runtime.NumCPU(),
	}
}
