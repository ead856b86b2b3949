package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	loggerpkg "Aegis-Chain/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，键 "*" 兜底所有方法。
	RequiredPermissions map[string][]string
	// AuditEvent 指定记录审计日志时使用的事件名称，空值退化为请求路径。
	AuditEvent string
}

// Middleware 返回认证授权中间件。认证成功后把主体写入请求上下文，
// 所有通过和拒绝的请求都会落审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				s.deny(w, r, "access_denied", statusForAuthError(err), err, "")
				return
			}
			if perms := cfg.permissionsFor(r.Method); len(perms) > 0 {
				if err := subject.Authorize(perms...); err != nil {
					s.deny(w, r, "permission_denied", http.StatusForbidden, err, subject.Username)
					return
				}
			}
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLog().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Username,
			)
		})
	}
}

func (cfg MiddlewareConfig) permissionsFor(method string) []string {
	if perms := cfg.RequiredPermissions[method]; len(perms) > 0 {
		return perms
	}
	return cfg.RequiredPermissions["*"]
}

// deny 返回错误响应并记录拒绝原因。
func (s *Service) deny(w http.ResponseWriter, r *http.Request, event string, status int, cause error, user string) {
	http.Error(w, http.StatusText(status), status)
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", cause.Error(),
	}
	if user != "" {
		attrs = append(attrs, "user", user)
	}
	s.auditLog().Warn(event, attrs...)
}

func (s *Service) auditLog() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

// statusForAuthError 把认证错误映射为 HTTP 状态码。
func statusForAuthError(err error) int {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrSubjectRevoked):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
