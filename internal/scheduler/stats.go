package scheduler

import (
	"time"

	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// RunStats 聚合了运行状态的统计信息，常用于仪表盘或健康检查。
type RunStats struct {
	Total              int       `json:"total"`
	Pending            int       `json:"pending"`
	Running            int       `json:"running"`
	Completed          int       `json:"completed"`
	PartiallyCompleted int       `json:"partially_completed"`
	Failed             int       `json:"failed"`
	Cancelled          int       `json:"cancelled"`
	OldestUpdatedAt    time.Time `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt    time.Time `json:"newest_updated_at,omitempty"`
}

func (s *RunStats) add(run *Run) {
	s.Total++
	switch run.Status {
	case workflow.ChainPending:
		s.Pending++
	case workflow.ChainRunning:
		s.Running++
	case workflow.ChainCompleted:
		s.Completed++
	case workflow.ChainPartiallyCompleted:
		s.PartiallyCompleted++
	case workflow.ChainFailed:
		s.Failed++
	case workflow.ChainCancelled:
		s.Cancelled++
	}
	if run.UpdatedAt.After(s.NewestUpdatedAt) {
		s.NewestUpdatedAt = run.UpdatedAt
	}
	if s.OldestUpdatedAt.IsZero() || run.UpdatedAt.Before(s.OldestUpdatedAt) {
		s.OldestUpdatedAt = run.UpdatedAt
	}
}
