package scheduler

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"path"
	"time"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

// Archiver 将运行记录写入外部存储，由 archive.MinIO 实现。
type Archiver interface {
	Put(ctx context.Context, name string, data []byte) error
}

// Janitor 周期性清理超过保留期的终态运行，配置了归档时先上传再删除。
type Janitor struct {
	store    Store
	archiver Archiver
	maxAge   time.Duration
	interval time.Duration
	batch    int
	now      func() time.Time
}

// JanitorOption 定义 Janitor 的可选配置。
type JanitorOption func(*Janitor)

// WithArchiver 在删除前归档运行记录。
func WithArchiver(a Archiver) JanitorOption {
	return func(j *Janitor) {
		j.archiver = a
	}
}

// WithRetention 设置终态运行的保留时长。
func WithRetention(maxAge time.Duration) JanitorOption {
	return func(j *Janitor) {
		if maxAge > 0 {
			j.maxAge = maxAge
		}
	}
}

// WithSweepInterval 设置清理周期。
func WithSweepInterval(interval time.Duration) JanitorOption {
	return func(j *Janitor) {
		if interval > 0 {
			j.interval = interval
		}
	}
}

// WithJanitorClock 替换时间来源，主要用于测试。
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

// NewJanitor 创建 Janitor，默认保留 24 小时、每小时清理一次。
func NewJanitor(store Store, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		store:    store,
		maxAge:   24 * time.Hour,
		interval: time.Hour,
		batch:    100,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// Run 立即清理一次，之后按周期执行直到 ctx 结束。
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if removed, err := j.Sweep(ctx); err != nil {
			logger.L().Warn("清理历史运行失败", slog.Any("error", err))
		} else if removed > 0 {
			logger.L().Info("已清理历史运行", slog.Int("removed", removed))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep 执行一次清理，返回删除的运行数量。
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j.store == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	cutoff := j.now().Add(-j.maxAge)
	if j.archiver == nil {
		return j.store.DeleteFinishedBefore(ctx, cutoff)
	}

	removed := 0
	for {
		runs, err := j.store.List(ctx, BuildListOptions(
			WithFinishedBefore(cutoff),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(j.batch),
		))
		if err != nil {
			return removed, err
		}
		if len(runs) == 0 {
			return removed, nil
		}
		for _, run := range runs {
			data, err := json.Marshal(run)
			if err != nil {
				return removed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码运行记录失败")
			}
			if err := j.archiver.Put(ctx, archiveName(run), data); err != nil {
				return removed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档运行记录失败")
			}
			if err := j.store.Delete(ctx, run.ID); err != nil && !stdErrors.Is(err, ErrRunNotFound) {
				return removed, err
			}
			removed++
			logger.Audit().Info("运行已归档",
				slog.String("run_id", run.ID),
				slog.String("chain_id", run.ChainID),
				slog.String("status", string(run.Status)),
			)
		}
	}
}

func archiveName(run *Run) string {
	return path.Join("runs", run.ChainID, run.ID+".json")
}
