package fusion

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// ==========================================
// rrf
// ==========================================

// rrfFuser implements Reciprocal Rank Fusion: every id scores the sum of
// 1/(K + rank + 1) over the lists it appears in, rank 0-based.
type rrfFuser struct {
	k float64
}

func (f *rrfFuser) Name() string { return StrategyRRF }

func (f *rrfFuser) Fuse(dense, sparse []Candidate, k int, _ QueryInfo) []Fused {
	return rrfMerge(dense, sparse, k, f.k, 0)
}

// rrfMerge is the core shared by rrf and hybrid_rrf.
func rrfMerge(dense, sparse []Candidate, k int, rrfK, diversityBonus float64) []Fused {
	out, byID := mergeChannels(dense, sparse)
	for i, c := range dense {
		byID[c.ID].FinalScore += 1.0 / (rrfK + float64(i) + 1)
	}
	for i, c := range sparse {
		byID[c.ID].FinalScore += 1.0 / (rrfK + float64(i) + 1)
	}
	if diversityBonus > 0 {
		applyDiversityBonus(byID, dense, sparse, diversityBonus)
	}
	return sortAndTrim(out, k)
}

// applyDiversityBonus rewards candidates whose content length deviates from
// the batch mean: score += bonus * min(|len-mean|/mean, 1). It nudges the
// ranking away from near-duplicate runs of similar snippets.
func applyDiversityBonus(byID map[int64]*Fused, dense, sparse []Candidate, bonus float64) {
	lens := make(map[int64]float64, len(byID))
	for _, c := range dense {
		if _, ok := lens[c.ID]; !ok {
			lens[c.ID] = float64(c.ContentLen)
		}
	}
	for _, c := range sparse {
		if _, ok := lens[c.ID]; !ok {
			lens[c.ID] = float64(c.ContentLen)
		}
	}

	values := make([]float64, 0, len(lens))
	for _, l := range lens {
		values = append(values, l)
	}
	if len(values) == 0 {
		return
	}
	mean := stat.Mean(values, nil)
	if mean <= 0 {
		return
	}
	for id, l := range lens {
		factor := math.Abs(l-mean) / mean
		byID[id].FinalScore += bonus * math.Min(factor, 1.0)
	}
}

// ==========================================
// hybrid_rrf
// ==========================================

// hybridRRFFuser adapts the RRF constant to the query: keyword/short queries
// halve K (sparse ranks gain influence), semantic/long queries raise it by
// half (dense ranks gain influence). A diversity bonus is added on top.
type hybridRRFFuser struct {
	k     float64
	bonus float64
}

func (f *hybridRRFFuser) Name() string { return StrategyHybridRRF }

func (f *hybridRRFFuser) Fuse(dense, sparse []Candidate, k int, q QueryInfo) []Fused {
	dk := f.k
	if q.Type != "" {
		switch {
		case q.Type == QueryKeyword || q.Length < 20:
			dk = math.Max(30, f.k*0.5)
		case q.Type == QuerySemantic || q.Length > 100:
			dk = math.Min(120, f.k*1.5)
		}
	}
	return rrfMerge(dense, sparse, k, dk, f.bonus)
}

// ==========================================
// weighted
// ==========================================

// weightedFuser min-max normalizes each channel and combines them linearly:
// final = wd*dense + ws*sparse, with an absent channel contributing zero.
type weightedFuser struct {
	wd, ws float64
}

func (f *weightedFuser) Name() string { return StrategyWeighted }

func (f *weightedFuser) Fuse(dense, sparse []Candidate, k int, _ QueryInfo) []Fused {
	out, _ := mergeChannels(normalizeScores(dense), normalizeScores(sparse))
	for _, m := range out {
		m.FinalScore = f.wd*m.DenseScore + f.ws*m.SparseScore
	}
	return sortAndTrim(out, k)
}

// ==========================================
// convex
// ==========================================

// convexFuser is the lambda-parameterized convex combination
// final = lambda*dense + (1-lambda)*sparse over normalized channels.
type convexFuser struct {
	lambda float64
}

func (f *convexFuser) Name() string { return StrategyConvex }

func (f *convexFuser) Fuse(dense, sparse []Candidate, k int, _ QueryInfo) []Fused {
	out, _ := mergeChannels(normalizeScores(dense), normalizeScores(sparse))
	for _, m := range out {
		m.FinalScore = f.lambda*m.DenseScore + (1-f.lambda)*m.SparseScore
	}
	return sortAndTrim(out, k)
}

// ==========================================
// interleave
// ==========================================

// interleaveFuser fills a dense quota of int(k*ratio) entries first, then
// draws from sparse, skipping ids already taken. Whichever list remains when
// the other runs dry backfills the tail, so the walk always terminates with
// min(k, distinct ids) entries in pick order.
type interleaveFuser struct {
	ratio float64
}

func (f *interleaveFuser) Name() string { return StrategyInterleave }

func (f *interleaveFuser) Fuse(dense, sparse []Candidate, k int, _ QueryInfo) []Fused {
	if k <= 0 {
		return []Fused{}
	}
	quota := int(float64(k) * f.ratio)
	seen := make(map[int64]bool, k)
	out := make([]Fused, 0, k)
	di, si, densePicked := 0, 0, 0

	for len(out) < k && (di < len(dense) || si < len(sparse)) {
		if densePicked < quota && di < len(dense) {
			c := dense[di]
			di++
			if !seen[c.ID] {
				out = append(out, Fused{ID: c.ID, DenseScore: c.Score, DenseRank: di, FinalScore: c.Score})
				seen[c.ID] = true
				densePicked++
			}
			continue
		}
		if si < len(sparse) {
			c := sparse[si]
			si++
			if !seen[c.ID] {
				out = append(out, Fused{ID: c.ID, SparseScore: c.Score, SparseRank: si, FinalScore: c.Score})
				seen[c.ID] = true
			}
			continue
		}
		if di < len(dense) {
			c := dense[di]
			di++
			if !seen[c.ID] {
				out = append(out, Fused{ID: c.ID, DenseScore: c.Score, DenseRank: di, FinalScore: c.Score})
				seen[c.ID] = true
			}
			continue
		}
		break
	}
	return out
}

// ==========================================
// rank_fusion
// ==========================================

// rankFuser scores by weighted reciprocal list positions,
// wd/denseRank + ws/sparseRank, plus a fixed bias when an id appears in
// both lists.
type rankFuser struct {
	wd, ws, bias float64
}

func (f *rankFuser) Name() string { return StrategyRankFusion }

func (f *rankFuser) Fuse(dense, sparse []Candidate, k int, _ QueryInfo) []Fused {
	out, _ := mergeChannels(dense, sparse)
	for _, m := range out {
		var score float64
		if m.DenseRank > 0 {
			score += f.wd / float64(m.DenseRank)
		}
		if m.SparseRank > 0 {
			score += f.ws / float64(m.SparseRank)
		}
		if m.DenseRank > 0 && m.SparseRank > 0 {
			score += f.bias
		}
		m.FinalScore = score
	}
	return sortAndTrim(out, k)
}

// ==========================================
// score_fusion
// ==========================================

// scoreFuser is a weighted Borda count: each channel contributes
// (listLen - betterCount) * weight, where betterCount is the number of
// entries in that channel with a strictly higher score, so ties share the
// better position.
type scoreFuser struct {
	wd, ws float64
}

func (f *scoreFuser) Name() string { return StrategyScoreFusion }

func (f *scoreFuser) Fuse(dense, sparse []Candidate, k int, _ QueryInfo) []Fused {
	out, _ := mergeChannels(dense, sparse)
	nd, ns := float64(len(dense)), float64(len(sparse))
	for _, m := range out {
		var score float64
		if m.DenseRank > 0 {
			better := 0
			for _, c := range dense {
				if c.Score > m.DenseScore {
					better++
				}
			}
			score += (nd - float64(better)) * f.wd
		}
		if m.SparseRank > 0 {
			better := 0
			for _, c := range sparse {
				if c.Score > m.SparseScore {
					better++
				}
			}
			score += (ns - float64(better)) * f.ws
		}
		m.FinalScore = score
	}
	return sortAndTrim(out, k)
}

// ==========================================
// cascade
// ==========================================

// cascadeFuser treats sparse as a cheap first stage: the top 2k sparse ids
// form the candidate set and dense ordering ranks within it. When dense
// covers fewer than k candidates the tail is padded from sparse results
// beyond the candidate window.
type cascadeFuser struct{}

func (f *cascadeFuser) Name() string { return StrategyCascade }

func (f *cascadeFuser) Fuse(dense, sparse []Candidate, k int, _ QueryInfo) []Fused {
	if k <= 0 {
		return []Fused{}
	}
	if len(sparse) == 0 {
		return denseOnly(dense, k)
	}

	window := k * 2
	if window > len(sparse) {
		window = len(sparse)
	}
	candidates := make(map[int64]bool, window)
	for _, c := range sparse[:window] {
		candidates[c.ID] = true
	}

	var kept []*Fused
	for i, c := range dense {
		if candidates[c.ID] {
			kept = append(kept, &Fused{ID: c.ID, DenseScore: c.Score, DenseRank: i + 1, FinalScore: c.Score})
		}
	}
	if len(kept) >= k {
		return sortAndTrim(kept, k)
	}

	need := k - len(kept)
	for i := window; i < len(sparse) && need > 0; i++ {
		c := sparse[i]
		kept = append(kept, &Fused{ID: c.ID, SparseScore: c.Score, SparseRank: i + 1, FinalScore: c.Score})
		need--
	}
	return sortAndTrim(kept, k)
}

func denseOnly(dense []Candidate, k int) []Fused {
	if len(dense) > k {
		dense = dense[:k]
	}
	out := make([]Fused, len(dense))
	for i, c := range dense {
		out[i] = Fused{ID: c.ID, DenseScore: c.Score, DenseRank: i + 1, FinalScore: c.Score}
	}
	return out
}

// ==========================================
// adaptive
// ==========================================

// adaptiveFuser picks a strategy from the query class: keyword or very
// short queries lean sparse (weighted 0.3/0.7), semantic or long queries
// lean dense (weighted 0.8/0.2), anything else falls back to plain RRF.
// An unanalyzed query (zero QueryInfo) also falls back to RRF.
type adaptiveFuser struct {
	rrf rrfFuser
}

func (f *adaptiveFuser) Name() string { return StrategyAdaptive }

func (f *adaptiveFuser) Fuse(dense, sparse []Candidate, k int, q QueryInfo) []Fused {
	if q.Type == "" {
		return f.rrf.Fuse(dense, sparse, k, q)
	}
	switch {
	case q.Type == QueryKeyword || q.Length < 10:
		w := weightedFuser{wd: 0.3, ws: 0.7}
		return w.Fuse(dense, sparse, k, q)
	case q.Type == QuerySemantic || q.Length > 50:
		w := weightedFuser{wd: 0.8, ws: 0.2}
		return w.Fuse(dense, sparse, k, q)
	default:
		return f.rrf.Fuse(dense, sparse, k, q)
	}
}
