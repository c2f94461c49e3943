package common

import "time"

// Query is one logical query of a dataset split as stored in object storage.
// Structure is the tuple literal of the query shape, Tokens the flattened
// query and Answers the entity ids that satisfy it.
type Query struct {
	Structure string `json:"structure"`
	Tokens    []int  `json:"query"`
	Answers   []int  `json:"answers"`
}

// Split is a collection of queries, e.g. the training or test split.
type Split struct {
	Queries []Query `json:"queries"`
}

// Stats describes the knowledge graph a dataset is built on.
type Stats struct {
	NEntity   int `json:"nentity"`
	NRelation int `json:"nrelation"`
}

// RunStatus tracks the lifecycle of a training run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusTraining  RunStatus = "training"
	RunStatusEvaluated RunStatus = "evaluated"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one train-and-evaluate job over a dataset.
//
// Params holds the hyperparameters the run was started with, Rankings the
// object key of the persisted rankings once evaluation finished.
type Run struct {
	ID        string    `json:"id"`
	Dataset   string    `json:"dataset"`
	Status    RunStatus `json:"status"`
	Params    RunParams `json:"params"`
	Rankings  string    `json:"rankings,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunParams are the tunable settings of a run.
type RunParams struct {
	HiddenDim           int     `json:"hidden_dim" validate:"min=1"`
	Gamma               float64 `json:"gamma" validate:"gt=0"`
	ProjectionHiddenDim int     `json:"projection_hidden_dim" validate:"min=1"`
	ProjectionLayers    int     `json:"projection_layers" validate:"min=1"`
	LearningRate        float64 `json:"learning_rate" validate:"gt=0"`
	NegativeSize        int     `json:"negative_size" validate:"min=1"`
	BatchSize           int     `json:"batch_size" validate:"min=1"`
	TestBatchSize       int     `json:"test_batch_size" validate:"min=1"`
	MaxSteps            int     `json:"max_steps" validate:"min=1"`
	LogSteps            int     `json:"log_steps" validate:"min=1"`
	TestLogSteps        int     `json:"test_log_steps" validate:"min=1"`
	Seed                uint64  `json:"seed"`
}

// TrainLog is the loss report of one logged training step.
type TrainLog struct {
	RunID              string    `json:"run_id"`
	Step               int       `json:"step"`
	PositiveSampleLoss float64   `json:"positive_sample_loss"`
	NegativeSampleLoss float64   `json:"negative_sample_loss"`
	Loss               float64   `json:"loss"`
	CreatedAt          time.Time `json:"created_at"`
}

// EvalMetric is one averaged metric of one query structure.
type EvalMetric struct {
	RunID     string  `json:"run_id"`
	Structure string  `json:"structure"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
}
