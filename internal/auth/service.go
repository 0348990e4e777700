package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验请求携带的 Bearer Token。未配置任何令牌时认证处于关闭状态。
type Service struct {
	tokens []tokenEntry
	audit  *slog.Logger
}

// NewService 根据令牌配置创建认证服务。
func NewService(tokens []TokenConfig) (*Service, error) {
	s := &Service{}
	seen := make(map[string]struct{}, len(tokens))
	for i, cfg := range tokens {
		token := strings.TrimSpace(cfg.Token)
		if token == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 个 API 令牌为空", i+1))
		}
		if _, dup := seen[token]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("API 令牌 %q 重复", cfg.Name))
		}
		seen[token] = struct{}{}

		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		perms := append([]string(nil), cfg.Permissions...)
		if len(perms) == 0 {
			perms = []string{"*"}
		}
		subject := Subject{Name: name, Permissions: perms}
		subject.normalise()
		s.tokens = append(s.tokens, tokenEntry{digest: sha256.Sum256([]byte(token)), subject: subject})
	}
	return s, nil
}

// Enabled 判断是否启用了认证。
func (s *Service) Enabled() bool {
	return s != nil && len(s.tokens) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var matched *Subject
	for i := range s.tokens {
		// 逐个比较全部令牌，耗时与命中位置无关。
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			subject := s.tokens[i].subject
			subject.Permissions = append([]string(nil), subject.Permissions...)
			matched = &subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return matched, nil
}

func (s *Service) auditLogger() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}
