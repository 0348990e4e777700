package workflow

import (
	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

const (
	CodeUnknownChain     xerrors.Code = "UNKNOWN_CHAIN"
	CodeDuplicateChain   xerrors.Code = "DUPLICATE_CHAIN_ID"
	CodeMalformedChain   xerrors.Code = "MALFORMED_CHAIN_DEFINITION"
	CodeHandlerNotFound  xerrors.Code = "HANDLER_NOT_FOUND"
	CodeStepTimeout      xerrors.Code = "STEP_TIMEOUT"
	CodeStepFailure      xerrors.Code = "STEP_HANDLER_FAILURE"
	CodeChainAborted     xerrors.Code = "CHAIN_ABORTED"
	CodeChainTimeout     xerrors.Code = "CHAIN_TIMEOUT"
	CodeHandlerDuplicate xerrors.Code = "HANDLER_ALREADY_REGISTERED"
)

var (
	// ErrUnknownChain 表示链路 ID 未注册。
	ErrUnknownChain = xerrors.New(CodeUnknownChain, "unknown chain")
	// ErrDuplicateChain 表示链路 ID 已存在。
	ErrDuplicateChain = xerrors.New(CodeDuplicateChain, "duplicate chain id")
	// ErrMalformedChain 表示链路定义未通过结构校验。
	ErrMalformedChain = xerrors.New(CodeMalformedChain, "malformed chain definition")
)

func init() {
	xerrors.Register(CodeUnknownChain, xerrors.Attributes{
		Message:  "unknown chain",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDuplicateChain, xerrors.Attributes{
		Message:  "duplicate chain id",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeMalformedChain, xerrors.Attributes{
		Message:  "malformed chain definition",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeHandlerNotFound, xerrors.Attributes{
		Message:  "no handler bound to step",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeHandlerDuplicate, xerrors.Attributes{
		Message:  "handler already registered",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeStepTimeout, xerrors.Attributes{
		Message:   "step timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeStepFailure, xerrors.Attributes{
		Message:   "step handler failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeChainAborted, xerrors.Attributes{
		Message:  "required step failed, chain aborted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeChainTimeout, xerrors.Attributes{
		Message:  "chain exceeded its deadline",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
