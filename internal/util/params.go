package util

import "github.com/hey-memory/LR4HCAR/pkg/common"

// DefaultRunParams returns the run settings used when a request leaves
// them out, overridable through BETAE_* environment variables.
func DefaultRunParams() common.RunParams {
	return common.RunParams{
		HiddenDim:           GetEnvInt("BETAE_HIDDEN_DIM", 400),
		Gamma:               GetEnvNumeric("BETAE_GAMMA", 60),
		ProjectionHiddenDim: GetEnvInt("BETAE_PROJ_HIDDEN_DIM", 1600),
		ProjectionLayers:    GetEnvInt("BETAE_PROJ_LAYERS", 2),
		LearningRate:        GetEnvNumeric("BETAE_LR", 0.0001),
		NegativeSize:        GetEnvInt("BETAE_NEGATIVE_SIZE", 128),
		BatchSize:           GetEnvInt("BETAE_BATCH_SIZE", 512),
		TestBatchSize:       GetEnvInt("BETAE_TEST_BATCH_SIZE", 1),
		MaxSteps:            GetEnvInt("BETAE_MAX_STEPS", 100000),
		LogSteps:            GetEnvInt("BETAE_LOG_STEPS", 100),
		TestLogSteps:        GetEnvInt("BETAE_TEST_LOG_STEPS", 1000),
		Seed:                GetEnvUint("BETAE_SEED", 0),
	}
}
