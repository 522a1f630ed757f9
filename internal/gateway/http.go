package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"shardsql/internal/bus"
	"shardsql/internal/logging"
	"shardsql/internal/policy"
	"shardsql/internal/router"
	"shardsql/internal/routing"
	"shardsql/internal/shard"
	"shardsql/internal/split"
	"shardsql/internal/types"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP front of the gateway: the SQL surface, health and
// metrics, and the admin plane for policies and shard splits.
type Server struct {
	gw       *Gateway
	shards   *shard.Manager
	rt       *router.Router
	routing  *routing.Store
	policies *policy.Store
	splits   *split.Orchestrator
	queue    *bus.Queue
	metrics  http.Handler

	httpServer *http.Server
}

// NewServer wires the routes. metricsHandler may be nil to disable the
// /metrics endpoint.
func NewServer(addr string, gw *Gateway, shards *shard.Manager, rt *router.Router, routingStore *routing.Store, policies *policy.Store, splits *split.Orchestrator, queue *bus.Queue, metricsHandler http.Handler) *Server {
	s := &Server{
		gw:       gw,
		shards:   shards,
		rt:       rt,
		routing:  routingStore,
		policies: policies,
		splits:   splits,
		queue:    queue,
		metrics:  metricsHandler,
	}
	r := mux.NewRouter()
	r.Use(requestLog)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	r.HandleFunc("/sql", s.authed(s.handleSQL)).Methods(http.MethodPost)
	r.HandleFunc("/sql/batch", s.authed(s.handleBatch)).Methods(http.MethodPost)
	r.HandleFunc("/sql/txn", s.authed(s.handleTxn)).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/policy/routing", s.admin(s.handleRoutingGet)).Methods(http.MethodGet)
	admin.HandleFunc("/policy/routing", s.admin(s.handleRoutingUpdate)).Methods(http.MethodPost)
	admin.HandleFunc("/policy/routing/versions", s.admin(s.handleRoutingVersions)).Methods(http.MethodGet)
	admin.HandleFunc("/policy/routing/diff", s.admin(s.handleRoutingDiff)).Methods(http.MethodGet)
	admin.HandleFunc("/policy/routing/rollback", s.admin(s.handleRoutingRollback)).Methods(http.MethodPost)
	admin.HandleFunc("/policy/table/{name}", s.admin(s.handleTablePolicyGet)).Methods(http.MethodGet)
	admin.HandleFunc("/policy/table/{name}", s.admin(s.handleTablePolicyUpdate)).Methods(http.MethodPost)

	admin.HandleFunc("/shards/health", s.admin(s.handleShardHealth)).Methods(http.MethodGet)
	admin.HandleFunc("/shards/rebalance", s.admin(s.handleRebalance)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/{id}/bookmark", s.admin(s.handleBookmark)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/{id}/restore", s.admin(s.handleRestore)).Methods(http.MethodPost)

	admin.HandleFunc("/shards/splits", s.admin(s.handleSplitList)).Methods(http.MethodGet)
	admin.HandleFunc("/shards/split", s.admin(s.handleSplitPlan)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/split/{id}", s.admin(s.handleSplitGet)).Methods(http.MethodGet)
	admin.HandleFunc("/shards/split/{id}/dual-write", s.admin(s.handleSplitDualWrite)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/split/{id}/backfill", s.admin(s.handleSplitBackfill)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/split/{id}/tail", s.admin(s.handleSplitTail)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/split/{id}/cutover", s.admin(s.handleSplitCutover)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/split/{id}/rollback", s.admin(s.handleSplitRollback)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/split/{id}/decommission", s.admin(s.handleSplitDecommission)).Methods(http.MethodPost)

	admin.HandleFunc("/bus", s.admin(s.handleBusStats)).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	logging.Gateway("http listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// requestLog tags every request with an id, echoed in the X-Request-Id
// header and the access log line.
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.GatewayDebug("%s %s %s (%s)", id, r.Method, r.URL.Path, time.Since(start))
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, authCtx *types.AuthContext)

// authed authenticates the bearer token before dispatching.
func (s *Server) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := s.gw.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, authCtx)
	}
}

// admin additionally requires the admin permission on the token.
func (s *Server) admin(next authedHandler) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, authCtx *types.AuthContext) {
		for _, p := range authCtx.Permissions {
			if p == "admin" {
				next(w, r, authCtx)
				return
			}
		}
		writeError(w, types.NewError(types.CodeTenantAccessDenied, "admin permission required"))
	})
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request, authCtx *types.AuthContext) {
	var req SQLRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.gw.Execute(r.Context(), authCtx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, authCtx *types.AuthContext) {
	var req BatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.gw.ExecuteBatch(r.Context(), authCtx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleTxn(w http.ResponseWriter, r *http.Request, authCtx *types.AuthContext) {
	var req TxnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.gw.Txn(r.Context(), authCtx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.shards.Health()
	overall := types.HealthHealthy
	for _, h := range health {
		if h.Status == types.HealthUnhealthy {
			overall = types.HealthUnhealthy
			break
		}
		if h.Status == types.HealthDegraded {
			overall = types.HealthDegraded
		}
	}
	writeData(w, http.StatusOK, map[string]any{
		"status": overall,
		"shards": health,
	})
}

func (s *Server) handleRoutingGet(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	p, err := s.routing.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) handleRoutingUpdate(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	doc, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, types.WrapError(types.CodeInvalidQuery, "reading body", err))
		return
	}
	version, err := s.policies.UpdateRoutingPolicy(doc, r.URL.Query().Get("description"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"version": version})
}

func (s *Server) handleRoutingVersions(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	versions, err := s.routing.Versions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, versions)
}

func (s *Server) handleRoutingDiff(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	from, err1 := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, types.NewError(types.CodeInvalidQuery, "diff requires numeric from and to versions"))
		return
	}
	diff, err := s.routing.DiffVersions(from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, diff)
}

func (s *Server) handleRoutingRollback(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	var req struct {
		Version int64 `json:"version"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.routing.RollbackTo(req.Version); err != nil {
		writeError(w, err)
		return
	}
	s.policies.ClearCache()
	writeData(w, http.StatusOK, map[string]any{"version": s.routing.CurrentVersion()})
}

func (s *Server) handleTablePolicyGet(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	p, err := s.policies.GetTablePolicy(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) handleTablePolicyUpdate(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	doc, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, types.WrapError(types.CodeInvalidQuery, "reading body", err))
		return
	}
	if err := s.policies.UpdateTablePolicy(mux.Vars(r)["name"], doc); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"table": mux.Vars(r)["name"]})
}

func (s *Server) handleShardHealth(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	writeData(w, http.StatusOK, s.shards.Health())
}

// handleRebalance plans splits shedding pinned tenants off overloaded
// shards; the created plans advance through the split endpoints.
func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	var req struct {
		MaxTenantsPerShard int `json:"maxTenantsPerShard,omitempty"`
	}
	// An empty body means defaults.
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, types.WrapError(types.CodeInvalidQuery, "malformed request body", err))
		return
	}
	writeData(w, http.StatusOK, s.rt.Rebalance(s.splits, req.MaxTenantsPerShard))
}

func (s *Server) handleBookmark(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	var req struct {
		At string `json:"at,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := s.shards.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := e.Bookmark(r.Context(), req.At)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"token": token})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	var req struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := s.shards.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := e.Restore(req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"pending": true})
}

func (s *Server) handleSplitList(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	writeData(w, http.StatusOK, s.splits.List())
}

func (s *Server) handleSplitPlan(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	var req struct {
		SourceShard string   `json:"sourceShard"`
		TargetShard string   `json:"targetShard"`
		Tenants     []string `json:"tenants"`
		Description string   `json:"description,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.splits.PlanSplit(req.SourceShard, req.TargetShard, req.Tenants, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"splitId": id})
}

func (s *Server) handleSplitGet(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	id := mux.Vars(r)["id"]
	plan, err := s.splits.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := s.splits.Metrics(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"plan": plan, "metrics": m})
}

func (s *Server) handleSplitDualWrite(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	s.splitTransition(w, mux.Vars(r)["id"], s.splits.StartDualWrite)
}

// handleSplitBackfill starts the copy in the background; progress and
// errors land on the persisted plan, visible on the status endpoint.
func (s *Server) handleSplitBackfill(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	id := mux.Vars(r)["id"]
	if _, err := s.splits.Get(id); err != nil {
		writeError(w, err)
		return
	}
	go func() {
		if err := s.splits.RunBackfill(context.Background(), id); err != nil {
			logging.Split("backfill %s failed: %v", id, err)
		}
	}()
	writeData(w, http.StatusAccepted, map[string]any{"splitId": id, "started": true})
}

func (s *Server) handleSplitTail(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	caughtUp, err := s.splits.ReplayTail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"caughtUp": caughtUp})
}

func (s *Server) handleSplitCutover(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	s.splitTransition(w, mux.Vars(r)["id"], s.splits.Cutover)
}

func (s *Server) handleSplitRollback(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	s.splitTransition(w, mux.Vars(r)["id"], s.splits.Rollback)
}

func (s *Server) handleSplitDecommission(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	id := mux.Vars(r)["id"]
	err := s.splits.DecommissionSource(r.Context(), id, func(ctx context.Context, shardID string) error {
		return s.shards.Drop(ctx, shardID)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"splitId": id, "decommissioned": true})
}

func (s *Server) splitTransition(w http.ResponseWriter, id string, fn func(id string) error) {
	if err := fn(id); err != nil {
		writeError(w, err)
		return
	}
	plan, err := s.splits.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"splitId": id, "phase": plan.Phase})
}

func (s *Server) handleBusStats(w http.ResponseWriter, r *http.Request, _ *types.AuthContext) {
	published, dropped, depth := s.queue.Stats()
	writeData(w, http.StatusOK, map[string]any{
		"published":   published,
		"dropped":     dropped,
		"depth":       depth,
		"deadLetters": s.queue.DeadLetters(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, types.WrapError(types.CodeInvalidQuery, "malformed request body", err))
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    data,
	})
}

func writeError(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	body := map[string]any{
		"code":    code,
		"message": err.Error(),
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		body["message"] = typed.Message
		if len(typed.Details) > 0 {
			body["details"] = typed.Details
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   body,
	})
}

func httpStatus(code types.ErrorCode) int {
	switch code {
	case types.CodeInvalidQuery, types.CodeSQLSyntax, types.CodeInvalidPolicy,
		types.CodeInvalidPhase, types.CodeIncompatiblePolicy:
		return http.StatusBadRequest
	case types.CodeAuthInvalidToken, types.CodeAuthTokenExpired:
		return http.StatusUnauthorized
	case types.CodeTenantAccessDenied:
		return http.StatusForbidden
	case types.CodeTransactionNotFound, types.CodeSplitNotFound:
		return http.StatusNotFound
	case types.CodeConflictUnique:
		return http.StatusConflict
	case types.CodeRateLimited, types.CodeShardCapacity:
		return http.StatusTooManyRequests
	case types.CodeCircuitOpen, types.CodeRetryable:
		return http.StatusServiceUnavailable
	case types.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
