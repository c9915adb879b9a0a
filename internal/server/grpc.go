package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"RiskCore/internal/event"
	"RiskCore/internal/ingestion"
	"RiskCore/internal/observability"
	"RiskCore/internal/persistence"
	"RiskCore/internal/projection"
	"RiskCore/internal/query"
)

// APIServer bundles the gRPC endpoint (health and reflection) and the
// HTTP/JSON API. Queries and admin operations are served over HTTP on
// gateway-style routes; gRPC carries the standard health protocol for
// orchestrators that probe it.
type APIServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	deps         *ServerDeps
	accessLog    zerolog.Logger
}

// ServerDeps holds everything the API handlers reach into.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
}

func NewAPIServer(grpcAddr, httpAddr string, deps *ServerDeps) *APIServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui.
	reflection.Register(grpcServer)

	return &APIServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
		accessLog:    observability.NewLogger("http"),
	}
}

// SetServing flips the gRPC health status. The orchestrator calls this
// when the engine freezes so probes stop routing traffic here.
func (s *APIServer) SetServing(serving bool) {
	if serving {
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return
	}
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}

// StartGRPC serves the gRPC endpoint until ctx is cancelled.
func (s *APIServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP/JSON API until ctx is cancelled.
func (s *APIServer) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: s.withAccessLog(httpMux),
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP API shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP API listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/positions/{position_id}", s.handleGetPosition},
		{"GET", "/v1/owners/{owner}/positions", s.handleListPositions},
		{"GET", "/v1/liquidations", s.handleListLiquidations},
		{"GET", "/v1/halts", s.handleListHalts},
		{"GET", "/v1/coverage", s.handleCoverageStatus},
		{"GET", "/v1/admin/integrity", s.handleVerifyIntegrity},
		{"GET", "/v1/admin/eventlog", s.handleEventLogInfo},
		{"POST", "/v1/admin/projections/rebuild", s.handleRebuildProjections},
		{"POST", "/v1/admin/breaker/reset", s.handleBreakerReset},
		{"POST", "/v1/admin/price", s.handleInjectPrice},
		{"POST", "/v1/admin/params", s.handleInjectParams},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return fmt.Errorf("route %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// --- Query handlers ---

func (s *APIServer) handleGetPosition(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	positionID, err := uuid.Parse(pathParams["position_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid position_id: %v", err))
		return
	}

	pos, err := s.deps.QueryService.GetPosition(r.Context(), positionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pos == nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

func (s *APIServer) handleListPositions(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	owner, err := uuid.Parse(pathParams["owner"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid owner: %v", err))
		return
	}

	positions, err := s.deps.QueryService.GetPositionsByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *APIServer) handleListLiquidations(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	q := r.URL.Query()

	var owner *uuid.UUID
	if v := q.Get("owner"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid owner: %v", err))
			return
		}
		owner = &id
	}

	var marketID *string
	if v := q.Get("market"); v != "" {
		marketID = &v
	}

	limit := parseLimit(q.Get("limit"), 50, 500)

	var afterSeq *int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid after: %v", err))
			return
		}
		afterSeq = &n
	}

	history, err := s.deps.QueryService.GetLiquidationHistory(r.Context(), owner, marketID, limit, afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": history})
}

func (s *APIServer) handleListHalts(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	q := r.URL.Query()

	var marketID *string
	if v := q.Get("market"); v != "" {
		marketID = &v
	}

	activeOnly := q.Get("active") == "true"
	limit := parseLimit(q.Get("limit"), 50, 500)

	halts, err := s.deps.QueryService.GetHaltHistory(r.Context(), marketID, activeOnly, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"halts": halts})
}

func (s *APIServer) handleCoverageStatus(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	status, err := s.deps.QueryService.GetCoverageStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status == nil {
		writeError(w, http.StatusNotFound, "no coverage snapshot recorded")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// --- Admin handlers ---

func (s *APIServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *APIServer) handleEventLogInfo(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_sequence":  latestSeq,
		"uptime_seconds": int64(time.Since(s.deps.StartTime).Seconds()),
	})
}

func (s *APIServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("rebuild failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

func (s *APIServer) handleBreakerReset(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req struct {
		Market    string `json:"market"`
		Outcome   uint8  `json:"outcome"`
		Authority string `json:"authority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}

	authority, err := uuid.Parse(req.Authority)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid authority: %v", err))
		return
	}

	if err := s.deps.IngestService.InjectBreakerReset(r.Context(), req.Market, req.Outcome, authority); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

func (s *APIServer) handleInjectPrice(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req struct {
		Market        string `json:"market"`
		Outcome       uint8  `json:"outcome"`
		MarkPrice     int64  `json:"mark_price"`
		PriceSequence int64  `json:"price_sequence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}

	if err := s.deps.IngestService.InjectMarkPrice(r.Context(), req.Market, req.Outcome, req.MarkPrice, req.PriceSequence); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

func (s *APIServer) handleInjectParams(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req struct {
		Sigma              int64 `json:"sigma"`
		CriticalBand       int64 `json:"critical_band"`
		HighBand           int64 `json:"high_band"`
		MediumBand         int64 `json:"medium_band"`
		LowBand            int64 `json:"low_band"`
		MaxChainSteps      int64 `json:"max_chain_steps"`
		MaxBorrowSteps     int64 `json:"max_borrow_steps"`
		ChainCooldownTicks int64 `json:"chain_cooldown_ticks"`
		BaseExposureLimit  int64 `json:"base_exposure_limit"`
		EffectiveSeq       int64 `json:"effective_seq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}

	update := &event.RiskParamUpdate{
		Sigma:              req.Sigma,
		CriticalBand:       req.CriticalBand,
		HighBand:           req.HighBand,
		MediumBand:         req.MediumBand,
		LowBand:            req.LowBand,
		MaxChainSteps:      req.MaxChainSteps,
		MaxBorrowSteps:     req.MaxBorrowSteps,
		ChainCooldownTicks: req.ChainCooldownTicks,
		BaseExposureLimit:  req.BaseExposureLimit,
		EffectiveSeq:       req.EffectiveSeq,
	}

	if err := s.deps.IngestService.InjectRiskParams(r.Context(), update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

// --- helpers ---

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withAccessLog emits one structured line per API request. Probe
// endpoints are excluded.
func (s *APIServer) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.accessLog.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
