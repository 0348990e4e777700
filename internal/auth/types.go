// Package auth 为 HTTP API 提供基于静态 Bearer Token 的认证与按方法授权。
package auth

import (
	"fmt"
	"strings"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

const (
	// PermissionRead 允许查询运行、链路与统计信息。
	PermissionRead = "runs:read"
	// PermissionWrite 允许提交与取消运行。
	PermissionWrite = "runs:write"
)

const CodeForbidden xerrors.Code = "FORBIDDEN"

var (
	// ErrMissingToken 表示请求未携带 Bearer Token。
	ErrMissingToken = xerrors.New(xerrors.CodeUnauthorized, "missing bearer token")
	// ErrInvalidToken 表示 Token 未登记。
	ErrInvalidToken = xerrors.New(xerrors.CodeUnauthorized, "invalid token")
	// ErrPermissionDenied 表示 Token 缺少所需权限。
	ErrPermissionDenied = xerrors.New(CodeForbidden, "permission denied")
)

func init() {
	xerrors.Register(CodeForbidden, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

// TokenConfig 描述一个可访问 API 的令牌。Permissions 为空时拥有全部权限。
type TokenConfig struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	Permissions []string `json:"permissions,omitempty"`
}

// Subject 表示通过认证的调用方。
type Subject struct {
	Name        string
	Permissions []string
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	s.Name = strings.TrimSpace(s.Name)
	for i, perm := range s.Permissions {
		s.Permissions[i] = strings.ToLower(strings.TrimSpace(perm))
	}
}

// HasPermission 判断调用方是否拥有指定权限，"*" 表示全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	permission = strings.ToLower(strings.TrimSpace(permission))
	for _, perm := range s.Permissions {
		if perm == "*" || perm == permission {
			return true
		}
	}
	return false
}

// Authorize 校验调用方是否拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if !s.HasPermission(perm) {
			return xerrors.Wrap(CodeForbidden, ErrPermissionDenied, fmt.Sprintf("缺少权限 %s", perm))
		}
	}
	return nil
}
