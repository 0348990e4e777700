package scheduler

import (
	"time"

	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// Recorder 接收调度层的指标事件。
type Recorder interface {
	RunSubmitted(chainID string)
	RunStarted(chainID string, queued time.Duration)
	RunFinished(chainID string, status workflow.ChainStatus, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RunSubmitted(string)                                     {}
func (nopRecorder) RunStarted(string, time.Duration)                        {}
func (nopRecorder) RunFinished(string, workflow.ChainStatus, time.Duration) {}
