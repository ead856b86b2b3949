package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/advisory"
	"Aegis-Chain/internal/auth"
	xerrors "Aegis-Chain/internal/errors"
	"Aegis-Chain/internal/guard"
	"Aegis-Chain/internal/intent"
	"Aegis-Chain/internal/observability/metrics"
	"Aegis-Chain/internal/principal"
	"Aegis-Chain/internal/proposal"
	"Aegis-Chain/internal/review"
	storage "Aegis-Chain/internal/storage/mysql"
	"Aegis-Chain/internal/web3"
	"Aegis-Chain/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部提交提案并管理授权策略。
type Server struct {
	addr       string
	reviews    *review.Service
	engine     *guard.Engine
	registry   *principal.Registry
	directory  *intent.Directory
	translator *intent.Translator
	reader     web3.LedgerReader
	decisions  storage.DecisionLog
	advisor    advisory.Provider
	auth       *auth.Service
}

// Option 配置 Server 的可选依赖。
type Option func(*Server)

// WithTranslator 启用自然语言解析端点。
func WithTranslator(translator *intent.Translator) Option {
	return func(s *Server) { s.translator = translator }
}

// WithDirectory 启用名称登记，解析端点据此解析目标名称。
func WithDirectory(directory *intent.Directory) Option {
	return func(s *Server) { s.directory = directory }
}

// WithLedgerReader 启用余额查询端点。
func WithLedgerReader(reader web3.LedgerReader) Option {
	return func(s *Server) { s.reader = reader }
}

// WithDecisionLog 启用裁决审计查询端点。
func WithDecisionLog(log storage.DecisionLog) Option {
	return func(s *Server) { s.decisions = log }
}

// WithAdvisor 为解析结果附加操作提示。
func WithAdvisor(advisor advisory.Provider) Option {
	return func(s *Server) { s.advisor = advisor }
}

// WithAuthService 启用身份认证与授权。
func WithAuthService(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, reviews *review.Service, engine *guard.Engine, registry *principal.Registry, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		reviews:  reviews,
		engine:   engine,
		registry: registry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 组装全部路由，测试可以直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/v1/auth/token", s.instrument("auth_token", http.HandlerFunc(s.handleToken)))
	mux.Handle("/api/v1/reviews", s.protect("reviews", map[string][]string{
		http.MethodPost: {auth.PermProposalSubmit},
		http.MethodGet:  {auth.PermReviewRead},
	}, http.HandlerFunc(s.handleReviews)))
	mux.Handle("/api/v1/reviews/stats", s.protect("review_stats", map[string][]string{
		http.MethodGet: {auth.PermReviewRead},
	}, http.HandlerFunc(s.handleReviewStats)))
	mux.Handle("/api/v1/reviews/", s.protect("review_detail", map[string][]string{
		http.MethodGet: {auth.PermReviewRead},
	}, http.HandlerFunc(s.handleReviewDetail)))
	mux.Handle("/api/v1/intent/parse", s.protect("intent_parse", map[string][]string{
		http.MethodPost: {auth.PermProposalSubmit},
	}, http.HandlerFunc(s.handleParse)))
	mux.Handle("/api/v1/halt", s.protect("halt", map[string][]string{
		http.MethodGet:    {auth.PermReviewRead},
		http.MethodPost:   {auth.PermHaltManage},
		http.MethodDelete: {auth.PermHaltManage},
	}, http.HandlerFunc(s.handleHalt)))
	mux.Handle("/api/v1/principals", s.protect("principals", map[string][]string{
		http.MethodGet:  {auth.PermReviewRead},
		http.MethodPost: {auth.PermPrincipalManage},
	}, http.HandlerFunc(s.handlePrincipals)))
	mux.Handle("/api/v1/principals/", s.protect("principal_detail", map[string][]string{
		http.MethodGet:    {auth.PermReviewRead},
		http.MethodPut:    {auth.PermPrincipalManage},
		http.MethodDelete: {auth.PermPrincipalManage},
	}, http.HandlerFunc(s.handlePrincipalDetail)))
	mux.Handle("/api/v1/decisions", s.protect("decisions", map[string][]string{
		http.MethodGet: {auth.PermReviewRead},
	}, http.HandlerFunc(s.handleDecisions)))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// protect 按方法绑定所需权限并附加指标采集。
func (s *Server) protect(name string, perms map[string][]string, handler http.Handler) http.Handler {
	wrapped := s.instrument(name, handler)
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		return wrapped
	}
	middleware := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: perms,
		AuditEvent:          name,
	})
	return middleware(wrapped)
}

func (s *Server) instrument(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// handleToken 处理令牌签发。
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		http.Error(w, "身份认证未启用", http.StatusNotFound)
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrUnsupportedGrant) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// submitRequest 是提案提交的请求体。proposal 与 utterance 二选一，
// 给出 utterance 时由翻译器先行解析。
type submitRequest struct {
	ID        string             `json:"id,omitempty"`
	Proposal  *proposal.Proposal `json:"proposal,omitempty"`
	Utterance string             `json:"utterance,omitempty"`
	Principal string             `json:"principal,omitempty"`
	UseSwarm  bool               `json:"use_swarm"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitReview(w, r)
	case http.MethodGet:
		s.handleListReviews(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	prop := req.Proposal
	if prop == nil {
		if strings.TrimSpace(req.Utterance) == "" {
			http.Error(w, "proposal 或 utterance 必须提供其一", http.StatusBadRequest)
			return
		}
		if s.translator == nil {
			http.Error(w, "自然语言解析未启用", http.StatusNotImplemented)
			return
		}
		if !common.IsHexAddress(req.Principal) {
			http.Error(w, "principal 必须是合法地址", http.StatusBadRequest)
			return
		}
		result, err := s.translator.Parse(r.Context(), req.Utterance, common.HexToAddress(req.Principal))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if result.Kind != intent.KindProposal {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  "语句未解析为提案",
				"result": result,
			})
			return
		}
		prop = result.Proposal
	}

	rev, err := s.reviews.Submit(r.Context(), review.SubmitRequest{
		ID:       req.ID,
		Proposal: prop,
		UseSwarm: req.UseSwarm,
		Metadata: req.Metadata,
	})
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}
	writeJSON(w, http.StatusAccepted, rev)
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reviews, err := s.reviews.List(r.Context(), opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (s *Server) handleReviewStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := s.reviews.Stats(r.Context(), opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReviewDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/reviews/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "缺少审查 ID", http.StatusBadRequest)
		return
	}
	rev, err := s.reviews.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

// parseRequest 是自然语言解析的请求体。
type parseRequest struct {
	Utterance string `json:"utterance"`
	Principal string `json:"principal"`
}

// parseResponse 附带解析结果与操作提示。
type parseResponse struct {
	Result     *intent.Result     `json:"result"`
	Advisories []advisory.Snippet `json:"advisories,omitempty"`
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.translator == nil {
		http.Error(w, "自然语言解析未启用", http.StatusNotImplemented)
		return
	}
	var req parseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Utterance) == "" {
		http.Error(w, "utterance 不能为空", http.StatusBadRequest)
		return
	}
	var requester common.Address
	if req.Principal != "" {
		if !common.IsHexAddress(req.Principal) {
			http.Error(w, "principal 必须是合法地址", http.StatusBadRequest)
			return
		}
		requester = common.HexToAddress(req.Principal)
	}
	result, err := s.translator.Parse(r.Context(), req.Utterance, requester)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := parseResponse{Result: result}
	if s.advisor != nil {
		category := ""
		if result.Proposal != nil {
			category = string(result.Proposal.Category)
		}
		resp.Advisories = s.advisor.Query(category, req.Utterance)
	}
	writeJSON(w, http.StatusOK, resp)
}

// haltRequest 是手动熔断的请求体。
type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	halt := s.engine.Halt()
	switch r.Method {
	case http.MethodGet:
		engaged, reason := halt.Status()
		writeJSON(w, http.StatusOK, map[string]any{"engaged": engaged, "reason": reason})
	case http.MethodPost:
		var req haltRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		halt.Activate(req.Reason)
		metrics.SetHaltEngaged(true)
		logger.AuditEvent("halt_engaged",
			"operator", auth.OperatorName(r.Context()),
			"reason", req.Reason,
		)
		writeJSON(w, http.StatusOK, map[string]any{"engaged": true, "reason": req.Reason})
	case http.MethodDelete:
		halt.Deactivate()
		metrics.SetHaltEngaged(false)
		logger.AuditEvent("halt_released", "operator", auth.OperatorName(r.Context()))
		writeJSON(w, http.StatusOK, map[string]any{"engaged": false})
	default:
		http.Error(w, "仅支持 GET/POST/DELETE", http.StatusMethodNotAllowed)
	}
}

// registerRequest 是主体注册的请求体。
type registerRequest struct {
	Identity string           `json:"identity"`
	Name     string           `json:"name"`
	Policy   principal.Policy `json:"policy"`
}

// principalView 是主体的对外表示。
type principalView struct {
	Identity string           `json:"identity"`
	Name     string           `json:"name"`
	Policy   principal.Policy `json:"policy"`
}

func viewOf(p *principal.Principal) principalView {
	return principalView{
		Identity: p.Identity().Hex(),
		Name:     p.Name(),
		Policy:   p.Policy(),
	}
}

func (s *Server) handlePrincipals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := s.registry.List()
		views := make([]principalView, 0, len(list))
		for _, p := range list {
			views = append(views, viewOf(p))
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if !common.IsHexAddress(req.Identity) {
			http.Error(w, "identity 必须是合法地址", http.StatusBadRequest)
			return
		}
		identity := common.HexToAddress(req.Identity)
		p, err := s.registry.Register(identity, req.Name, req.Policy)
		if err != nil {
			http.Error(w, err.Error(), statusFromError(err))
			return
		}
		if s.directory != nil && strings.TrimSpace(req.Name) != "" {
			s.directory.Register(req.Name, identity)
		}
		writeJSON(w, http.StatusCreated, viewOf(p))
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePrincipalDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/principals/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" || !common.IsHexAddress(parts[0]) {
		http.Error(w, "identity 必须是合法地址", http.StatusBadRequest)
		return
	}
	identity := common.HexToAddress(parts[0])

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			p, err := s.registry.Get(identity)
			if err != nil {
				http.Error(w, err.Error(), statusFromError(err))
				return
			}
			writeJSON(w, http.StatusOK, viewOf(p))
		case http.MethodDelete:
			if err := s.registry.Decommission(identity); err != nil {
				http.Error(w, err.Error(), statusFromError(err))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "仅支持 GET/DELETE", http.StatusMethodNotAllowed)
		}
	case "policy":
		s.handlePrincipalPolicy(w, r, identity)
	case "balance":
		s.handlePrincipalBalance(w, r, identity)
	default:
		http.Error(w, "未知的子资源", http.StatusNotFound)
	}
}

func (s *Server) handlePrincipalPolicy(w http.ResponseWriter, r *http.Request, identity common.Address) {
	p, err := s.registry.Get(identity)
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, p.Policy())
	case http.MethodPut:
		var policy principal.Policy
		if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if err := p.SetPolicy(policy); err != nil {
			http.Error(w, err.Error(), statusFromError(err))
			return
		}
		writeJSON(w, http.StatusOK, p.Policy())
	default:
		http.Error(w, "仅支持 GET/PUT", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePrincipalBalance(w http.ResponseWriter, r *http.Request, identity common.Address) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.reader == nil {
		http.Error(w, "余额查询未启用", http.StatusNotImplemented)
		return
	}
	balance, err := s.reader.BalanceOf(r.Context(), identity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"identity": identity.Hex(),
		"balance":  balance.String(),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.decisions == nil {
		http.Error(w, "裁决审计未启用", http.StatusNotImplemented)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	var (
		records []storage.DecisionRecord
		err     error
	)
	if principalHex := r.URL.Query().Get("principal"); principalHex != "" {
		records, err = s.decisions.ListByPrincipal(r.Context(), principalHex, limit)
	} else {
		records, err = s.decisions.ListLatest(r.Context(), limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// listOptionsFromQuery 把查询参数映射成审查列表选项。
func listOptionsFromQuery(r *http.Request) ([]review.ListOption, error) {
	var opts []review.ListOption
	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, errors.New("limit 必须是非负整数")
		}
		opts = append(opts, review.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errors.New("offset 必须是非负整数")
		}
		opts = append(opts, review.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []review.Status
		for _, value := range strings.Split(raw, ",") {
			status := review.Status(strings.TrimSpace(value))
			if !review.IsValidStatus(status) {
				return nil, errors.New("未知的审查状态: " + string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, review.WithStatuses(statuses...))
	}
	if raw := query.Get("category"); raw != "" {
		var categories []proposal.Category
		for _, value := range strings.Split(raw, ",") {
			category := proposal.Category(strings.TrimSpace(value))
			if !proposal.IsValidCategory(category) {
				return nil, errors.New("未知的操作类别: " + string(category))
			}
			categories = append(categories, category)
		}
		opts = append(opts, review.WithCategories(categories...))
	}
	if raw := query.Get("principal"); raw != "" {
		opts = append(opts, review.WithPrincipal(raw))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.New("since 必须是 Unix 时间戳")
		}
		opts = append(opts, review.WithUpdatedSince(time.Unix(ts, 0)))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.New("until 必须是 Unix 时间戳")
		}
		opts = append(opts, review.WithUpdatedUntil(time.Unix(ts, 0)))
	}
	if raw := query.Get("decided"); raw != "" {
		decided, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("decided 必须是布尔值")
		}
		opts = append(opts, review.WithDecisionPresence(decided))
	}
	if raw := query.Get("order"); raw != "" {
		switch raw {
		case "asc":
			opts = append(opts, review.WithSortOrder(review.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, review.WithSortOrder(review.SortByUpdatedDesc))
		default:
			return nil, errors.New("order 仅支持 asc/desc")
		}
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, review.WithQuery(raw))
	}
	return opts, nil
}

// statusFromError 把错误码映射为 HTTP 状态码。
func statusFromError(err error) int {
	switch xerrors.CodeOf(err) {
	case review.CodeReviewNotFound, principal.CodePrincipalNotFound:
		return http.StatusNotFound
	case review.CodeReviewConflict, review.CodeReviewDecided, principal.CodePrincipalConflict:
		return http.StatusConflict
	case review.CodeReviewValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
