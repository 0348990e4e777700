package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Xeros-AGiXT/Xeros/internal/auth"
	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/scheduler"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeRejected, workflow.CodeMalformedChain, scheduler.CodeRunValidation:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case auth.CodeForbidden:
		return http.StatusForbidden
	case xerrors.CodeNotFound, scheduler.CodeRunNotFound, workflow.CodeUnknownChain:
		return http.StatusNotFound
	case xerrors.CodeConflict, scheduler.CodeRunConflict, scheduler.CodeRunFinished:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure, xerrors.CodeQueueFailure, scheduler.CodeRunPublish:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("写入响应失败", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.L().Error("请求处理失败",
			slog.Any("error", err),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
		)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: message}})
}
