package main

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chaoskey333/pkg/audit"
	"chaoskey333/pkg/commandbus"
	"chaoskey333/pkg/eventlog"
	"chaoskey333/pkg/policy"
	"chaoskey333/shared/config"
)

type server struct {
	cfg      config.Config
	bus      *commandbus.Bus
	events   *eventlog.Log
	auditLog *audit.Log
	started  time.Time
}

func newServer(cfg config.Config, bus *commandbus.Bus, events *eventlog.Log, auditLog *audit.Log) *server {
	return &server{cfg: cfg, bus: bus, events: events, auditLog: auditLog, started: time.Now()}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/debug", s.handleDebug)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleCommand is the single write path. The bus always produces a Result;
// HTTP status is 200 whenever a result exists, 400 only for undecodable
// bodies.
func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cmd commandbus.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	start := time.Now()
	res := s.bus.Execute(r.Context(), cmd, commandbus.Meta{IP: clientIP(r), Path: r.URL.Path})
	mCommandDuration.Observe(time.Since(start).Seconds())
	// Label cardinality must stay bounded to the closed command vocabulary;
	// anything the policy does not recognize is counted as "unknown".
	cmdType := cmd.Type
	if !policy.KnownCommand(cmdType) {
		cmdType = "unknown"
	}
	mCommands.WithLabelValues(cmdType, outcomeLabel(res.Success, res.Data)).Inc()
	writeJSON(w, http.StatusOK, res)
}

// handleHealth returns minimal public status; an elevated bearer role gets
// process detail.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok", "service": serviceName}
	role := bearerRole(r, s.cfg.DiagBearerSecret)
	if role == policy.RoleOwner || role == policy.RoleOperator {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		out["uptimeSeconds"] = int64(time.Since(s.started).Seconds())
		out["goroutines"] = runtime.NumGoroutine()
		out["heapBytes"] = mem.HeapAlloc
		out["eventSequence"] = s.events.Sequence(r.Context())
		out["paused"] = s.cfg.Paused
		out["dryRun"] = s.cfg.DryRun
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents is the event log query API, gated to elevated roles.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	role := bearerRole(r, s.cfg.DiagBearerSecret)
	if role != policy.RoleOwner && role != policy.RoleOperator {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	q := r.URL.Query()
	f := eventlog.Filter{
		Type:  q.Get("type"),
		Actor: q.Get("actor"),
		Limit: intParam(q.Get("limit"), 50),
	}
	f.FromSeq = int64(intParam(q.Get("from"), 0))
	f.ToSeq = int64(intParam(q.Get("to"), 0))
	events, err := s.events.Query(r.Context(), f)
	if err != nil {
		http.Error(w, "event query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleAudit lists recent chain entries plus a verification report.
// Owner-only, and admin-IP gated.
func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !s.requireOwnerFromAdminIP(w, r) {
		return
	}
	n := intParam(r.URL.Query().Get("n"), 50)
	entries, err := s.auditLog.Recent(r.Context(), n)
	if err != nil {
		http.Error(w, "audit read failed", http.StatusInternalServerError)
		return
	}
	report := s.verifyChain(r, n)
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "verification": report})
}

// handleDebug returns redacted configuration and the chain verification
// result. Hard-disabled unless configured on.
func (s *server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.DebugEnabled {
		http.NotFound(w, r)
		return
	}
	if !s.requireOwnerFromAdminIP(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":       s.cfg.Redacted(),
		"verification": s.verifyChain(r, 0),
	})
}

func (s *server) verifyChain(r *http.Request, n int) any {
	report, err := s.auditLog.VerifyChain(r.Context(), n)
	if err != nil {
		mChainVerifications.WithLabelValues("error").Inc()
		return map[string]any{"error": "verification failed"}
	}
	if report.Valid {
		mChainVerifications.WithLabelValues("valid").Inc()
	} else {
		mChainVerifications.WithLabelValues("invalid").Inc()
	}
	return report
}

func (s *server) requireOwnerFromAdminIP(w http.ResponseWriter, r *http.Request) bool {
	if !ipAllowed(clientIP(r), s.cfg.AdminIPs) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	if bearerRole(r, s.cfg.DiagBearerSecret) != policy.RoleOwner {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
