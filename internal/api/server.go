// Package api implements the gorilla/mux admin HTTP surface over
// registry.Registry and pool.Pool, grounded on the teacher's own
// internal/api: tenant CRUD becomes pool CRUD, and pause/resume becomes
// capacity-to-zero and capacity-restore since Pool has no independent
// routing-pause bit of its own.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medialoop/asyncdb/internal/config"
	"github.com/medialoop/asyncdb/internal/driver"
	"github.com/medialoop/asyncdb/internal/evloop"
	"github.com/medialoop/asyncdb/internal/health"
	"github.com/medialoop/asyncdb/internal/metrics"
	"github.com/medialoop/asyncdb/internal/pool"
	"github.com/medialoop/asyncdb/internal/registry"
)

// Server is the REST API and metrics server.
type Server struct {
	reg         *registry.Registry
	drivers     *driver.Registry
	loop        *evloop.EventLoop
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	admin       config.AdminConfig
	defaults    config.PoolDefaults

	mu              sync.Mutex
	pausedCapacity map[string]int
}

// NewServer creates a new API server.
func NewServer(reg *registry.Registry, drivers *driver.Registry, loop *evloop.EventLoop, hc *health.Checker, m *metrics.Collector, admin config.AdminConfig, defaults config.PoolDefaults) *Server {
	return &Server{
		reg:            reg,
		drivers:        drivers,
		loop:           loop,
		healthCheck:    hc,
		metrics:        m,
		startTime:      time.Now(),
		admin:          admin,
		defaults:       defaults,
		pausedCapacity: make(map[string]int),
	}
}

// routes builds the mux.Router backing the admin API, without binding
// any listening socket. Exposed separately so tests can drive the
// handler chain directly through httptest.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/pools", s.listPools).Methods("GET")
	r.HandleFunc("/pools", s.createPool).Methods("POST")
	r.HandleFunc("/pools/{alias}", s.getPool).Methods("GET")
	r.HandleFunc("/pools/{alias}", s.deletePool).Methods("DELETE")
	r.HandleFunc("/pools/{alias}/stats", s.poolStats).Methods("GET")
	r.HandleFunc("/pools/{alias}/capacity", s.resizePool).Methods("POST")
	r.HandleFunc("/pools/{alias}/drain", s.drainPool).Methods("POST")
	r.HandleFunc("/pools/{alias}/pause", s.pausePool).Methods("POST")
	r.HandleFunc("/pools/{alias}/resume", s.resumePool).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	return r
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("%s:%d", s.admin.Bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.authMiddleware(s.routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] admin API listening on %s", addr)

	go func() {
		var err error
		if s.admin.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.admin.TLSCert, s.admin.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

const maxRequestBodyBytes = 1 << 20 // 1MB

// exemptFromAuth are paths a load balancer or orchestrator probes
// without credentials.
var exemptFromAuth = map[string]bool{"/health": true, "/ready": true, "/metrics": true}

// authMiddleware requires a matching "Bearer <api_key>" Authorization
// header on every request except the health/ready/metrics probes. When
// admin.APIKey is empty, auth is disabled entirely.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

		if s.admin.APIKey == "" || exemptFromAuth[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != s.admin.APIKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Pool Handlers ---

type poolRequest struct {
	Driver           string `json:"driver"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	DBName           string `json:"dbname"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	Capacity         *int   `json:"capacity,omitempty"`
	IdleTimeoutMS    *int   `json:"idle_timeout_ms,omitempty"`
	BulkQueryLimitKB *int   `json:"bulk_query_limit_kb,omitempty"`
}

type poolResponse struct {
	Alias  string            `json:"alias"`
	Stats  *pool.Stats       `json:"stats,omitempty"`
	Health *health.PoolHealth `json:"health,omitempty"`
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	var result []poolResponse
	for _, alias := range s.reg.Aliases() {
		result = append(result, s.describePool(alias))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) describePool(alias string) poolResponse {
	pr := poolResponse{Alias: alias}
	if p, err := s.reg.Get(alias); err == nil {
		st := p.Stats()
		pr.Stats = &st
	}
	h := s.healthCheck.GetStatus(alias)
	pr.Health = &h
	return pr
}

func (s *Server) createPool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias string `json:"alias"`
		poolRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Alias == "" {
		writeError(w, http.StatusBadRequest, "alias is required")
		return
	}
	if req.Driver != "postgres" && req.Driver != "mysql" {
		writeError(w, http.StatusBadRequest, "driver must be postgres or mysql")
		return
	}
	if req.Host == "" || req.Port == 0 || req.DBName == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "host, port, dbname, and username are required")
		return
	}

	factory, err := s.drivers.Resolve(req.Driver)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	capacity := s.defaults.Capacity
	if req.Capacity != nil {
		capacity = *req.Capacity
	}
	idleTimeout := s.defaults.IdleTimeout
	if req.IdleTimeoutMS != nil {
		idleTimeout = time.Duration(*req.IdleTimeoutMS) * time.Millisecond
	}
	bulkKB := s.defaults.BulkQueryLimitKB
	if req.BulkQueryLimitKB != nil {
		bulkKB = *req.BulkQueryLimitKB
	}

	p := pool.New(pool.Config{
		Alias:      req.Alias,
		DriverName: req.Driver,
		Factory:    factory,
		Detail: driver.ConnDetail{
			Host:     req.Host,
			Port:     req.Port,
			DBName:   req.DBName,
			DBUser:   req.Username,
			DBPasswd: req.Password,
		},
		Capacity:       capacity,
		IdleTimeout:    idleTimeout,
		BulkLimitBytes: bulkKB * 1024,
		Delimiter:      "; ",
	})

	s.reg.Add(req.Alias, p)
	log.Printf("[api] pool %s registered (%s at %s:%d)", req.Alias, req.Driver, req.Host, req.Port)

	writeJSON(w, http.StatusCreated, s.describePool(req.Alias))
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	if _, err := s.reg.Get(alias); err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	writeJSON(w, http.StatusOK, s.describePool(alias))
}

func (s *Server) poolStats(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	p, err := s.reg.Get(alias)
	if err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	writeJSON(w, http.StatusOK, p.Stats())
}

func (s *Server) deletePool(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	p, err := s.reg.Get(alias)
	if err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}

	p.MarkClosing()
	p.CloseAllConns()
	s.reg.Remove(alias)
	s.healthCheck.RemovePool(alias)
	if s.metrics != nil {
		s.metrics.RemovePool(alias)
	}

	log.Printf("[api] pool %s removed", alias)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "alias": alias})
}

func (s *Server) resizePool(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	p, err := s.reg.Get(alias)
	if err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}

	var req struct {
		Capacity int `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Capacity < 0 {
		writeError(w, http.StatusBadRequest, "capacity must be non-negative")
		return
	}

	p.SetCapacity(req.Capacity, nil)
	log.Printf("[api] pool %s resized to capacity %d", alias, req.Capacity)
	writeJSON(w, http.StatusOK, p.Stats())
}

func (s *Server) drainPool(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	p, err := s.reg.Get(alias)
	if err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}

	p.MarkClosing()
	p.CloseAllConns()

	log.Printf("[api] pool %s drained", alias)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "alias": alias})
}

// pausePool rejects new acquires by driving capacity to zero while
// remembering the prior capacity for resumePool.
func (s *Server) pausePool(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	p, err := s.reg.Get(alias)
	if err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}

	s.mu.Lock()
	s.pausedCapacity[alias] = p.Stats().Capacity
	s.mu.Unlock()

	p.SetCapacity(0, nil)
	log.Printf("[api] pool %s paused", alias)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "alias": alias})
}

func (s *Server) resumePool(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	p, err := s.reg.Get(alias)
	if err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}

	s.mu.Lock()
	capacity, ok := s.pausedCapacity[alias]
	delete(s.pausedCapacity, alias)
	s.mu.Unlock()
	if !ok {
		capacity = s.defaults.Capacity
	}

	p.SetCapacity(capacity, nil)
	log.Printf("[api] pool %s resumed at capacity %d", alias, capacity)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "alias": alias})
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status": boolToStatus(allHealthy),
		"pools":  statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	aliases := s.reg.Aliases()
	if len(aliases) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for _, alias := range aliases {
		if s.healthCheck.IsHealthy(alias) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	aliases := s.reg.Aliases()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_pools":      len(aliases),
		"admin_port":     s.admin.Port,
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"admin": map[string]interface{}{
			"port": s.admin.Port,
			"bind": s.admin.Bind,
		},
		"defaults": map[string]interface{}{
			"capacity":            s.defaults.Capacity,
			"idle_timeout":        s.defaults.IdleTimeout.String(),
			"bulk_query_limit_kb": s.defaults.BulkQueryLimitKB,
		},
		"pool_count": len(s.reg.Aliases()),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
