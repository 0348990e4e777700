package workflow

import "context"

// Observer 接收执行过程中的状态迁移通知。回调在执行器的 goroutine 中同步调用，实现应尽快返回。
type Observer interface {
	ChainStarted(ctx context.Context, ec *ExecutionContext, def *ChainDefinition)
	StepFinished(ctx context.Context, ec *ExecutionContext, step StepDefinition, result StepResult)
	ChainFinished(ctx context.Context, ec *ExecutionContext, def *ChainDefinition, status ChainStatus, cause error)
}

// NopObserver 是空实现，可嵌入只关心部分回调的观察者。
type NopObserver struct{}

func (NopObserver) ChainStarted(context.Context, *ExecutionContext, *ChainDefinition)                      {}
func (NopObserver) StepFinished(context.Context, *ExecutionContext, StepDefinition, StepResult)            {}
func (NopObserver) ChainFinished(context.Context, *ExecutionContext, *ChainDefinition, ChainStatus, error) {}

type observers []Observer

func (o observers) chainStarted(ctx context.Context, ec *ExecutionContext, def *ChainDefinition) {
	for _, obs := range o {
		obs.ChainStarted(ctx, ec, def)
	}
}

func (o observers) stepFinished(ctx context.Context, ec *ExecutionContext, step StepDefinition, result StepResult) {
	for _, obs := range o {
		obs.StepFinished(ctx, ec, step, result)
	}
}

func (o observers) chainFinished(ctx context.Context, ec *ExecutionContext, def *ChainDefinition, status ChainStatus, cause error) {
	for _, obs := range o {
		obs.ChainFinished(ctx, ec, def, status, cause)
	}
}
