package fusion

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
)

func TestSetParamApplies(t *testing.T) {
	tests := []struct {
		strategy string
		key      string
		raw      string
		check    func(t *testing.T, cfg config.FusionConfig)
	}{
		{StrategyRRF, ParamRRFK, "100", func(t *testing.T, cfg config.FusionConfig) {
			assert.Equal(t, 100, cfg.RRFK)
		}},
		{StrategyHybridRRF, ParamDiversityBonus, "0.25", func(t *testing.T, cfg config.FusionConfig) {
			assert.Equal(t, 0.25, cfg.DiversityBonus)
		}},
		{StrategyWeighted, ParamDenseWeight, "0.6", func(t *testing.T, cfg config.FusionConfig) {
			assert.Equal(t, 0.6, cfg.DenseWeight)
		}},
		{StrategyConvex, ParamConvexLambda, "0.9", func(t *testing.T, cfg config.FusionConfig) {
			assert.Equal(t, 0.9, cfg.ConvexLambda)
		}},
		{StrategyInterleave, ParamInterleaveRatio, "0.75", func(t *testing.T, cfg config.FusionConfig) {
			assert.Equal(t, 0.75, cfg.InterleaveRatio)
		}},
		{StrategyRankFusion, ParamRankBiasFactor, "0.2", func(t *testing.T, cfg config.FusionConfig) {
			assert.Equal(t, 0.2, cfg.RankBiasFactor)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.strategy+"/"+tt.key, func(t *testing.T) {
			cfg := config.Default().Fusion
			require.NoError(t, SetParam(&cfg, tt.strategy, tt.key, tt.raw))
			tt.check(t, cfg)
		})
	}
}

func TestSetParamRejectsUnknownNames(t *testing.T) {
	cfg := config.Default().Fusion

	err := SetParam(&cfg, StrategyRRF, "rrf_kk", "10")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Contains(t, err.Error(), "invalid parameter name")

	err = SetParam(&cfg, "mystery", ParamRRFK, "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown fusion strategy")
}

func TestSetParamEnforcesWhitelist(t *testing.T) {
	tests := []struct {
		strategy string
		key      string
	}{
		{StrategyRRF, ParamDenseWeight},
		{StrategyRRF, ParamDiversityBonus},
		{StrategyInterleave, ParamRRFK},
		{StrategyWeighted, ParamConvexLambda},
		{StrategyCascade, ParamRankBiasFactor},
		{StrategyAdaptive, ParamInterleaveRatio},
	}
	for _, tt := range tests {
		t.Run(tt.strategy+"/"+tt.key, func(t *testing.T) {
			cfg := config.Default().Fusion
			err := SetParam(&cfg, tt.strategy, tt.key, "0.5")
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrValidation)
			assert.Contains(t, err.Error(), "does not apply")
		})
	}
}

func TestSetParamTypeAndRangeChecks(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		key      string
		raw      string
		wantSub  string
	}{
		{"rrf_k not an integer", StrategyRRF, ParamRRFK, "sixty", "integer"},
		{"rrf_k float rejected", StrategyRRF, ParamRRFK, "60.5", "integer"},
		{"rrf_k too small", StrategyRRF, ParamRRFK, "0", "[1,1000]"},
		{"rrf_k too large", StrategyRRF, ParamRRFK, "1001", "[1,1000]"},
		{"weight not numeric", StrategyWeighted, ParamDenseWeight, "heavy", "numeric"},
		{"weight above one", StrategyConvex, ParamConvexLambda, "1.5", "[0.0,1.0]"},
		{"weight below zero", StrategyInterleave, ParamInterleaveRatio, "-0.1", "[0.0,1.0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Fusion
			before := cfg
			err := SetParam(&cfg, tt.strategy, tt.key, tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrValidation)
			assert.Contains(t, err.Error(), tt.wantSub)
			assert.Equal(t, before, cfg, "config must be untouched after a rejected set")
		})
	}
}

func TestSetParamWeightSum(t *testing.T) {
	t.Run("dense raise rejected against current sparse", func(t *testing.T) {
		cfg := config.Default().Fusion
		cfg.DenseWeight = 0.5
		cfg.SparseWeight = 0.4

		err := SetParam(&cfg, StrategyWeighted, ParamDenseWeight, "0.7")
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrValidation)
		assert.Contains(t, err.Error(), "1.10")
		assert.Equal(t, 0.5, cfg.DenseWeight, "rejected set must leave config unchanged")
	})

	t.Run("sparse raise rejected against current dense", func(t *testing.T) {
		cfg := config.Default().Fusion // dense 0.7
		err := SetParam(&cfg, StrategyScoreFusion, ParamSparseWeight, "0.4")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1.10")
		assert.Equal(t, 0.3, cfg.SparseWeight)
	})

	t.Run("sum exactly one is allowed", func(t *testing.T) {
		cfg := config.Default().Fusion // sparse 0.3
		require.NoError(t, SetParam(&cfg, StrategyWeighted, ParamDenseWeight, "0.7"))
		assert.Equal(t, 0.7, cfg.DenseWeight)
	})

	t.Run("lowering a weight always passes", func(t *testing.T) {
		cfg := config.Default().Fusion
		require.NoError(t, SetParam(&cfg, StrategyAdaptive, ParamSparseWeight, "0.1"))
		assert.Equal(t, 0.1, cfg.SparseWeight)
	})
}

func TestParamsFor(t *testing.T) {
	assert.Equal(t, []string{ParamRRFK}, ParamsFor(StrategyRRF))
	assert.Equal(t,
		[]string{ParamConvexLambda, ParamDenseWeight, ParamSparseWeight},
		ParamsFor(StrategyConvex))
	assert.Nil(t, ParamsFor("mystery"))

	for _, name := range Strategies() {
		assert.True(t, ValidStrategy(name), name)
		assert.NotEmpty(t, ParamsFor(name), name)
	}
	assert.False(t, ValidStrategy("mystery"))
}

func TestSetParamErrorsAreValidationErrors(t *testing.T) {
	cfg := config.Default().Fusion
	err := SetParam(&cfg, StrategyWeighted, ParamDenseWeight, "2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrValidation))
}
