package auth

import "context"

// subjectKey 用于在请求上下文中携带认证主体。
type subjectKey struct{}

// WithSubject 把认证通过的主体写入上下文，供下游处理器读取。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出上下文中的认证主体，未经认证的请求返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	if subject, ok := ctx.Value(subjectKey{}).(*Subject); ok {
		subject.normalise()
		return subject
	}
	return nil
}

// OperatorName 返回发起请求的操作员用户名，匿名请求返回 "anonymous"。
// 熔断等敏感操作的审计记录依赖该值定位责任人。
func OperatorName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Username != "" {
		return subject.Username
	}
	return "anonymous"
}
