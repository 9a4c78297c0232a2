// Package api exposes the kernel's subsystems over REST/JSON, mirroring the
// teacher's gorilla/mux router-plus-handlers style (internal/api/server.go's
// CORS middleware, tenant-header convention, Start(port)) repointed from
// pool/escrow/reputation endpoints at the kernel's own halt, certification,
// job-scheduler, and governance surfaces.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/kernel/internal/certification"
	"github.com/ocx/kernel/internal/events"
	"github.com/ocx/kernel/internal/governance"
	"github.com/ocx/kernel/internal/halt"
	"github.com/ocx/kernel/internal/jobs"
	"github.com/ocx/kernel/internal/kernelerrors"
	"github.com/ocx/kernel/internal/metrics"
)

// upgrader validates the request's Origin the way the teacher's fabric
// package does (internal/fabric/websocket.go's L4 origin-allowlist fix):
// in production with OCX_ALLOWED_ORIGINS set only those origins are
// accepted; in production without it every origin is allowed and a warning
// is logged once at startup; outside production every origin is allowed
// and nothing is logged.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("OCX_ENV")
	allowedRaw := os.Getenv("OCX_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	if env == "production" {
		log.Println("[API] OCX_ALLOWED_ORIGINS not set in production — allowing all origins for the event stream")
	}
	return func(r *http.Request) bool { return true }
}

// Recoverer is the narrow capability the halt-recovery endpoint needs: the
// rest of the Halter's surface (BeginHalt) is reached only from
// internal/crisis, never from the API.
type Recoverer interface {
	halt.Checker
	State() halt.State
	AttemptRecovery(ctx context.Context, now time.Time, requester string, writeRecovery halt.EventWriter) error
}

// APIServer exposes the kernel's subsystems via REST/JSON. Every dependency
// is injected explicitly (spec §9: "passed explicitly, no ambient context")
// so tests can substitute stub halt/scheduler/store implementations without
// standing up the whole process.
type APIServer struct {
	halt            Recoverer
	recoveryWriter  halt.EventWriter
	certification   *certification.Service
	scheduler       jobs.Scheduler
	contacts        governance.ContactStore
	contributions   governance.ContributionStore
	metrics         *metrics.Registry
	eventBus        *events.EventBus
	corsOrigins     []string
	logger          *log.Logger
}

// Config bundles APIServer's dependencies. EventBus is optional: when the
// process is wired with a remote events backend (pub/sub) instead of the
// in-process bus, the live event-stream endpoint is simply not registered.
type Config struct {
	Halt           Recoverer
	RecoveryWriter halt.EventWriter
	Certification  *certification.Service
	Scheduler      jobs.Scheduler
	Contacts       governance.ContactStore
	Contributions  governance.ContributionStore
	Metrics        *metrics.Registry
	EventBus       *events.EventBus
	CORSOrigins    []string
}

func NewAPIServer(cfg Config) *APIServer {
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &APIServer{
		halt:           cfg.Halt,
		recoveryWriter: cfg.RecoveryWriter,
		certification:  cfg.Certification,
		scheduler:      cfg.Scheduler,
		contacts:       cfg.Contacts,
		contributions:  cfg.Contributions,
		metrics:        cfg.Metrics,
		eventBus:       cfg.EventBus,
		corsOrigins:    origins,
		logger:         log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the mux.Router without binding a listener, so tests can
// drive it with httptest.NewServer / httptest.NewRequest.
func (s *APIServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.corsMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	r.HandleFunc("/api/halt/status", s.handleHaltStatus).Methods("GET")
	r.HandleFunc("/api/halt/recover", s.handleHaltRecover).Methods("POST")

	r.HandleFunc("/api/certifications", s.handleCertify).Methods("POST")
	r.HandleFunc("/api/certifications/{result_id}", s.handleGetCertification).Methods("GET")
	r.HandleFunc("/api/deliberations/{deliberation_id}/certifications", s.handleListCertifications).Methods("GET")
	r.HandleFunc("/api/deliberations/{deliberation_id}/procedural-record", s.handleGenerateRecord).Methods("POST")
	r.HandleFunc("/api/procedural-records/{record_id}", s.handleGetRecord).Methods("GET")

	r.HandleFunc("/api/jobs", s.handleScheduleJob).Methods("POST")
	r.HandleFunc("/api/jobs/{job_id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/api/jobs/{job_id}", s.handleCancelJob).Methods("DELETE")
	r.HandleFunc("/api/jobs/dlq", s.handleGetDLQ).Methods("GET")

	r.HandleFunc("/api/governance/contact-blocks", s.handleAddContactBlock).Methods("POST")
	r.HandleFunc("/api/governance/contact-blocks/{participant_id}", s.handleGetContactBlocks).Methods("GET")
	r.HandleFunc("/api/governance/contact-attempts", s.handleRecordContactAttempt).Methods("POST")

	r.HandleFunc("/api/governance/contributions/{record_id}/preserve", s.handlePreserveContribution).Methods("POST")
	r.HandleFunc("/api/governance/contributions/{cluster_id}", s.handleGetContributions).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})).Methods("GET")
	}

	if s.eventBus != nil {
		r.HandleFunc("/api/events/stream", s.handleEventStream).Methods("GET")
	}

	return r
}

// Start binds a listener on port and blocks, matching the teacher's
// Start(port) signature.
func (s *APIServer) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.logger.Printf("listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

func (s *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.corsOrigins) > 0 {
			origin = s.corsOrigins[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- responses ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case kernelerrors.IsHalted(err):
		status = http.StatusServiceUnavailable
	default:
		var ke *kernelerrors.KernelError
		if asKernelError(err, &ke) {
			switch ke.Kind {
			case kernelerrors.KindValidation:
				status = http.StatusBadRequest
			case kernelerrors.KindNotFound:
				status = http.StatusNotFound
			case kernelerrors.KindConflict:
				status = http.StatusConflict
			case kernelerrors.KindRateLimited, kernelerrors.KindQueueOverflow:
				status = http.StatusTooManyRequests
			case kernelerrors.KindHalt:
				status = http.StatusServiceUnavailable
			case kernelerrors.KindConstitutional:
				status = http.StatusConflict
			}
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func asKernelError(err error, out **kernelerrors.KernelError) bool {
	ke, ok := err.(*kernelerrors.KernelError)
	if !ok {
		return false
	}
	*out = ke
	return true
}

// --- halt ---

func (s *APIServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "halted": s.halt.IsHalted()})
}

func (s *APIServer) handleHaltStatus(w http.ResponseWriter, r *http.Request) {
	st := s.halt.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"halted":             st.Halted,
		"reason":             st.Reason,
		"witnessed_event_id": st.WitnessedEventID,
		"onset":              st.Onset,
		"recovery_earliest":  st.RecoveryEarliest,
	})
}

func (s *APIServer) handleHaltRecover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requester string `json:"requester"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kernelerrors.Validation("invalid request body"))
		return
	}
	if req.Requester == "" {
		writeError(w, kernelerrors.Validation("requester is required"))
		return
	}
	now := time.Now().UTC()
	if err := s.halt.AttemptRecovery(r.Context(), now, req.Requester, s.recoveryWriter); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recovered"})
}

// --- certification ---

func (s *APIServer) handleCertify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeliberationID   string                 `json:"deliberation_id"`
		Content          map[string]interface{} `json:"content"`
		ParticipantCount int                    `json:"participant_count"`
		ResultType       string                 `json:"result_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kernelerrors.Validation("invalid request body"))
		return
	}
	res, err := s.certification.Certify(r.Context(), req.DeliberationID, req.Content, req.ParticipantCount, req.ResultType, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *APIServer) handleGetCertification(w http.ResponseWriter, r *http.Request) {
	resultID := mux.Vars(r)["result_id"]
	res, err := s.certification.GetCertification(r.Context(), resultID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *APIServer) handleListCertifications(w http.ResponseWriter, r *http.Request) {
	deliberationID := mux.Vars(r)["deliberation_id"]
	res, err := s.certification.GetCertificationsByDeliberation(r.Context(), deliberationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *APIServer) handleGenerateRecord(w http.ResponseWriter, r *http.Request) {
	deliberationID := mux.Vars(r)["deliberation_id"]
	rec, err := s.certification.GenerateProceduralRecord(r.Context(), deliberationID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *APIServer) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	recordID := mux.Vars(r)["record_id"]
	rec, err := s.certification.GetProceduralRecord(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- jobs ---

func (s *APIServer) handleScheduleJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobType      string                 `json:"job_type"`
		Payload      map[string]interface{} `json:"payload"`
		ScheduledFor time.Time              `json:"scheduled_for"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kernelerrors.Validation("invalid request body"))
		return
	}
	job, err := s.scheduler.Schedule(r.Context(), req.JobType, req.Payload, req.ScheduledFor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *APIServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, err := s.scheduler.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *APIServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	ok, err := s.scheduler.Cancel(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (s *APIServer) handleGetDLQ(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	rows, total, err := s.scheduler.GetDLQ(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": rows, "total": total})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- governance: contact blocks ---

func (s *APIServer) handleAddContactBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClusterID     string `json:"cluster_id"`
		ParticipantID string `json:"participant_id"`
		Reason        string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kernelerrors.Validation("invalid request body"))
		return
	}
	block, err := s.contacts.AddBlock(r.Context(), req.ClusterID, req.ParticipantID, req.Reason, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, block)
}

func (s *APIServer) handleGetContactBlocks(w http.ResponseWriter, r *http.Request) {
	participantID := mux.Vars(r)["participant_id"]
	blocks, err := s.contacts.GetAllBlocked(r.Context(), participantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *APIServer) handleRecordContactAttempt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClusterID     string `json:"cluster_id"`
		ParticipantID string `json:"participant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kernelerrors.Validation("invalid request body"))
		return
	}
	attempt, err := s.contacts.RecordContactAttempt(r.Context(), req.ClusterID, req.ParticipantID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attempt)
}

// --- governance: contribution preservation ---

func (s *APIServer) handlePreserveContribution(w http.ResponseWriter, r *http.Request) {
	recordID := mux.Vars(r)["record_id"]
	if err := s.contributions.MarkPreserved(r.Context(), recordID, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "preserved"})
}

func (s *APIServer) handleGetContributions(w http.ResponseWriter, r *http.Request) {
	clusterID := mux.Vars(r)["cluster_id"]
	records, err := s.contributions.GetForCluster(r.Context(), clusterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// --- live event stream ---

// handleEventStream upgrades to a WebSocket and relays every CloudEvent the
// bus publishes — halt transitions, crisis detections, DLQ severity
// changes — to an operator dashboard, mirroring the teacher's
// internal/fabric spoke-connection shape: one goroutine per connection,
// Unsubscribe on disconnect.
func (s *APIServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("event stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := s.eventBus.Subscribe()
	defer s.eventBus.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := ev.JSON()
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
