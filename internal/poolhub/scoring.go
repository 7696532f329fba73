package poolhub

import (
	"encoding/json"
	"fmt"
	"sort"

	set "gopkg.in/fatih/set.v0"

	"github.com/oib/aitbc/internal/storage"
)

// Match implements spec.md §4.4's match(requirements, hints, top_k)
// contract: a hard filter, a weighted score, and a deterministic
// tie-break (trust, then last_seen recency).
func (h *Hub) Match(req Requirements, hints Hints, topK int) ([]Candidate, error) {
	miners, err := h.store.ListMiners()
	if err != nil {
		return nil, err
	}
	statuses, err := h.store.ListMatchStatus()
	if err != nil {
		return nil, err
	}
	statusByMiner := map[string]*storage.MatchStatusRow{}
	for _, s := range statuses {
		statusByMiner[s.MinerID] = s
	}

	requiredSet := set.New()
	for _, t := range req.RequiredTags {
		requiredSet.Add(t)
	}

	type scored struct {
		miner   *storage.MinerRow
		status  *storage.MatchStatusRow
		score   float64
		explain string
	}

	var regionLatencies []float64
	eligible := make([]*scored, 0, len(miners))

	for _, m := range miners {
		if m.Trust < MinEligibleTrust {
			continue
		}
		if !h.IsOnline(m) {
			continue
		}
		var caps Capabilities
		_ = json.Unmarshal([]byte(m.CapabilitiesJSON), &caps)
		if caps.VRAM < req.MinVRAM || caps.RAM < req.MinRAM {
			continue
		}
		if hints.Region != "" && m.Region != hints.Region {
			continue
		}
		if req.MaxPrice > 0 && m.PricePer1kUnits > req.MaxPrice {
			continue
		}
		if m.MaxParallel > 0 && m.QueueLen >= m.MaxParallel {
			continue
		}
		declared := set.New()
		for _, t := range caps.Tags {
			declared.Add(t)
		}
		if requiredSet.Size() > 0 {
			inter := set.Intersection(requiredSet, declared)
			if inter.Size() != requiredSet.Size() {
				continue // not a capability superset
			}
		}

		st := statusByMiner[m.ID]
		if st == nil {
			st = &storage.MatchStatusRow{MinerID: m.ID}
		}
		if hints.Region == "" || m.Region == hints.Region {
			regionLatencies = append(regionLatencies, st.AvgLatencyMS)
		}
		eligible = append(eligible, &scored{miner: m, status: st})
	}

	sort.Float64s(regionLatencies)

	weights := h.currentWeights()
	for _, e := range eligible {
		capFit := 1.0
		if requiredSet.Size() > 0 {
			var caps Capabilities
			_ = json.Unmarshal([]byte(e.miner.CapabilitiesJSON), &caps)
			declared := set.New()
			for _, t := range caps.Tags {
				declared.Add(t)
			}
			inter := set.Intersection(requiredSet, declared)
			capFit = float64(inter.Size()) / float64(requiredSet.Size())
		}

		priceNorm := 1.0
		if req.MaxPrice > 0 {
			priceNorm = (float64(req.MaxPrice) - float64(e.miner.PricePer1kUnits)) / float64(req.MaxPrice)
			priceNorm = clampRange(priceNorm, 0, 1)
		}

		latencyNorm := 1 - percentileRank(e.status.AvgLatencyMS, regionLatencies)

		loadNorm := 1.0
		if e.miner.MaxParallel > 0 {
			loadNorm = 1 - float64(e.miner.QueueLen)/float64(e.miner.MaxParallel)
		}

		score := weights.Cap*capFit + weights.Price*priceNorm + weights.Latency*latencyNorm +
			weights.Trust*e.miner.Trust + weights.Load*loadNorm

		e.score = score
		e.explain = fmt.Sprintf(
			"cap_fit=%.3f*%.2f price_norm=%.3f*%.2f latency_norm=%.3f*%.2f trust=%.3f*%.2f load_norm=%.3f*%.2f -> score=%.4f",
			capFit, weights.Cap, priceNorm, weights.Price, latencyNorm, weights.Latency,
			e.miner.Trust, weights.Trust, loadNorm, weights.Load, score,
		)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		if eligible[i].miner.Trust != eligible[j].miner.Trust {
			return eligible[i].miner.Trust > eligible[j].miner.Trust
		}
		return eligible[i].miner.LastSeen.After(eligible[j].miner.LastSeen)
	})

	if topK <= 0 || topK > len(eligible) {
		topK = len(eligible)
	}
	out := make([]Candidate, 0, topK)
	for _, e := range eligible[:topK] {
		out = append(out, Candidate{MinerID: e.miner.ID, Score: e.score, Explain: e.explain})
	}
	return out, nil
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// percentileRank returns the fraction of population that is <= v. An empty
// population yields 0 (no latency penalty when there's no data).
func percentileRank(v float64, population []float64) float64 {
	if len(population) == 0 {
		return 0
	}
	count := 0
	for _, p := range population {
		if p <= v {
			count++
		}
	}
	return float64(count) / float64(len(population))
}
