package queue

import "github.com/hey-memory/LR4HCAR/pkg/common"

// QueueTrainMsg asks a worker to train and evaluate a run. The run record
// holds everything else.
type QueueTrainMsg struct {
	Message string `json:"message,omitempty"`
	RunID   string `json:"run_id"`
}

// RunEventMsg is published on TopicRunCompleted and TopicRunFailed.
type RunEventMsg struct {
	RunID    string                        `json:"run_id"`
	Status   common.RunStatus              `json:"status"`
	Error    string                        `json:"error,omitempty"`
	Rankings string                        `json:"rankings,omitempty"`
	Metrics  map[string]map[string]float64 `json:"metrics,omitempty"`
}
