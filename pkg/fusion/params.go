package fusion

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
)

// Tunable parameter names.
const (
	ParamRRFK            = "rrf_k"
	ParamDenseWeight     = "dense_weight"
	ParamSparseWeight    = "sparse_weight"
	ParamConvexLambda    = "convex_lambda"
	ParamInterleaveRatio = "interleave_ratio"
	ParamRankBiasFactor  = "rank_bias_factor"
	ParamDiversityBonus  = "diversity_bonus"
)

// strategyParams whitelists which parameters each strategy accepts.
var strategyParams = map[string][]string{
	StrategyRRF:         {ParamRRFK},
	StrategyHybridRRF:   {ParamRRFK, ParamDiversityBonus},
	StrategyWeighted:    {ParamDenseWeight, ParamSparseWeight},
	StrategyConvex:      {ParamDenseWeight, ParamSparseWeight, ParamConvexLambda},
	StrategyInterleave:  {ParamInterleaveRatio},
	StrategyRankFusion:  {ParamDenseWeight, ParamSparseWeight, ParamRankBiasFactor},
	StrategyScoreFusion: {ParamDenseWeight, ParamSparseWeight},
	StrategyCascade:     {ParamDenseWeight, ParamSparseWeight},
	StrategyAdaptive:    {ParamDenseWeight, ParamSparseWeight},
}

// ValidStrategy reports whether name is a known fusion strategy.
func ValidStrategy(name string) bool {
	_, ok := strategyParams[name]
	return ok
}

// ParamsFor returns the sorted parameter whitelist of a strategy, nil for an
// unknown strategy.
func ParamsFor(strategy string) []string {
	params, ok := strategyParams[strategy]
	if !ok {
		return nil
	}
	out := make([]string, len(params))
	copy(out, params)
	sort.Strings(out)
	return out
}

// SetParam validates key=raw against the whitelist of strategy and applies
// it to cfg. Weight parameters additionally enforce
// dense_weight+sparse_weight <= 1.0 for strategies that combine both, with
// the counterpart weight read from cfg. On any violation cfg is untouched
// and the error wraps ErrValidation.
func SetParam(cfg *config.FusionConfig, strategy, key, raw string) error {
	key = strings.TrimSpace(key)
	raw = strings.TrimSpace(raw)

	allowed, ok := strategyParams[strategy]
	if !ok {
		return fmt.Errorf("%w: unknown fusion strategy %q", core.ErrValidation, strategy)
	}
	if !contains(allParamNames(), key) {
		return fmt.Errorf("%w: invalid parameter name %q (supported: %s)",
			core.ErrValidation, key, strings.Join(allParamNames(), ", "))
	}
	if !contains(allowed, key) {
		return fmt.Errorf("%w: parameter %q does not apply to strategy %q",
			core.ErrValidation, key, strategy)
	}

	if key == ParamRRFK {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: parameter %s needs an integer value, got %q",
				core.ErrValidation, key, raw)
		}
		if v < 1 || v > 1000 {
			return fmt.Errorf("%w: parameter %s must be in [1,1000], got %d",
				core.ErrValidation, key, v)
		}
		cfg.RRFK = v
		return nil
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%w: parameter %s needs a numeric value, got %q",
			core.ErrValidation, key, raw)
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: parameter %s must be in [0.0,1.0], got %g",
			core.ErrValidation, key, v)
	}

	// Strategies that blend both weights must keep their sum within 1.0;
	// the weight not being changed is read from the current configuration.
	if key == ParamDenseWeight || key == ParamSparseWeight {
		if contains(allowed, ParamDenseWeight) && contains(allowed, ParamSparseWeight) {
			other := cfg.SparseWeight
			if key == ParamSparseWeight {
				other = cfg.DenseWeight
			}
			if sum := v + other; sum > 1.0 {
				return fmt.Errorf("%w: weight sum %.2f exceeds 1.0", core.ErrValidation, sum)
			}
		}
	}

	switch key {
	case ParamDenseWeight:
		cfg.DenseWeight = v
	case ParamSparseWeight:
		cfg.SparseWeight = v
	case ParamConvexLambda:
		cfg.ConvexLambda = v
	case ParamInterleaveRatio:
		cfg.InterleaveRatio = v
	case ParamRankBiasFactor:
		cfg.RankBiasFactor = v
	case ParamDiversityBonus:
		cfg.DiversityBonus = v
	}
	return nil
}

func allParamNames() []string {
	return []string{
		ParamConvexLambda, ParamDenseWeight, ParamDiversityBonus,
		ParamInterleaveRatio, ParamRankBiasFactor, ParamRRFK, ParamSparseWeight,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
