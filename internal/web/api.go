package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/kypseli/internal/errdefs"
	"github.com/mtzanidakis/kypseli/internal/orchestrator"
	"github.com/mtzanidakis/kypseli/internal/schedule"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.spawnAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.terminateAgent)
	mux.HandleFunc("GET /api/agents/definitions", s.listDefinitions)

	// Orchestrations
	mux.HandleFunc("POST /api/orchestrate", s.orchestrate)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)

	// Memory
	mux.HandleFunc("GET /api/memory", s.listNamespaces)
	mux.HandleFunc("GET /api/memory/{ns}", s.searchMemory)
	mux.HandleFunc("GET /api/memory/{ns}/{key}", s.getMemory)

	mux.HandleFunc("GET /api/deadletters", s.listDeadLetters)

	// Scheduled objectives
	mux.HandleFunc("GET /api/objectives", s.listObjectives)
	mux.HandleFunc("POST /api/objectives", s.createObjective)
	mux.HandleFunc("POST /api/objectives/{id}/pause", s.pauseObjective)
	mux.HandleFunc("POST /api/objectives/{id}/resume", s.resumeObjective)
	mux.HandleFunc("DELETE /api/objectives/{id}", s.deleteObjective)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Status().Agents)
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Type == "" {
		jsonError(w, "type is required", http.StatusBadRequest)
		return
	}
	d, err := s.coord.Spawn(r.Context(), body.Type, body.Name)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(d)
}

func (s *Server) terminateAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Terminate(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "terminated"})
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Definitions())
}

func (s *Server) orchestrate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Objective string `json:"objective"`
		Strategy  string `json:"strategy"`
		Priority  string `json:"priority"`
		Wait      bool   `json:"wait"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Objective == "" {
		jsonError(w, "objective is required", http.StatusBadRequest)
		return
	}
	strategy := orchestrator.Strategy(body.Strategy)
	if strategy == "" {
		strategy = orchestrator.StrategyAdaptive
	}
	if !strategy.Valid() {
		jsonError(w, fmt.Sprintf("unknown strategy %q", body.Strategy), http.StatusBadRequest)
		return
	}

	if !body.Wait {
		runID, err := s.coord.Submit(body.Objective, strategy, body.Priority)
		if err != nil {
			jsonError(w, err.Error(), statusFor(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
		return
	}

	out, err := s.coord.Orchestrate(r.Context(), body.Objective, strategy, body.Priority)
	if err != nil && out == nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	resp := map[string]any{"outcome": out}
	if err != nil {
		resp["error"] = err.Error()
	}
	jsonResponse(w, resp)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.OrchestrationRun{}
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRun(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listNamespaces(w http.ResponseWriter, r *http.Request) {
	ns, err := s.store.Namespaces(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ns == nil {
		ns = []string{}
	}
	jsonResponse(w, ns)
}

func (s *Server) searchMemory(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	entries, err := s.mem.Search(r.Context(), r.PathValue("ns"), pattern)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, entries)
}

func (s *Server) getMemory(w http.ResponseWriter, r *http.Request) {
	ns, key := r.PathValue("ns"), r.PathValue("key")
	value, ok, err := s.mem.RetrieveRaw(r.Context(), ns, key)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	if !ok {
		jsonError(w, "entry not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]any{"namespace": ns, "key": key, "value": value})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	letters, err := s.store.ListDeadLetters(r.URL.Query().Get("agent"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if letters == nil {
		letters = []store.DeadLetter{}
	}
	jsonResponse(w, letters)
}

func (s *Server) listObjectives(w http.ResponseWriter, r *http.Request) {
	objs, err := s.store.ListObjectives()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(objs))
	for _, o := range objs {
		out = append(out, objectiveToAPI(o))
	}
	jsonResponse(w, out)
}

func (s *Server) createObjective(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		jsonError(w, "scheduler disabled", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Name      string `json:"name"`
		Schedule  string `json:"schedule"`
		Objective string `json:"objective"`
		Strategy  string `json:"strategy"`
		Priority  string `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Schedule == "" || body.Objective == "" {
		jsonError(w, "schedule and objective are required", http.StatusBadRequest)
		return
	}
	obj, err := s.sched.Add(body.Name, body.Schedule, body.Objective, orchestrator.Strategy(body.Strategy), body.Priority)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(objectiveToAPI(*obj))
}

func (s *Server) pauseObjective(w http.ResponseWriter, r *http.Request) {
	s.objectiveAction(w, r, "paused")
}

func (s *Server) resumeObjective(w http.ResponseWriter, r *http.Request) {
	s.objectiveAction(w, r, "active")
}

func (s *Server) objectiveAction(w http.ResponseWriter, r *http.Request, status string) {
	if s.sched == nil {
		jsonError(w, "scheduler disabled", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	existing, err := s.store.GetObjective(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "objective not found", http.StatusNotFound)
		return
	}

	if status == "paused" {
		err = s.sched.Pause(id)
	} else {
		err = s.sched.Resume(id)
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	updated, _ := s.store.GetObjective(id)
	jsonResponse(w, objectiveToAPI(*updated))
}

func (s *Server) deleteObjective(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteObjective(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st := s.coord.Status()

	activeObjectives := 0
	if objs, err := s.store.ListObjectives(); err == nil {
		for _, o := range objs {
			if o.Status == "active" {
				activeObjectives++
			}
		}
	}

	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "ok"
	}

	jsonResponse(w, map[string]any{
		"status":            "ok",
		"swarm":             st,
		"active_objectives": activeObjectives,
		"uptime":            formatUptime(time.Since(s.startedAt)),
		"nats":              natsStatus,
		"timestamp":         time.Now().UTC(),
		"version":           s.version,
	})
}

func objectiveToAPI(o store.ScheduledObjective) map[string]any {
	m := map[string]any{
		"id":               o.ID,
		"name":             o.Name,
		"schedule":         json.RawMessage(o.Schedule),
		"schedule_display": schedule.FormatSchedule(o.Schedule),
		"objective":        o.Objective,
		"strategy":         o.Strategy,
		"priority":         o.Priority,
		"status":           o.Status,
		"last_status":      o.LastStatus,
		"last_error":       o.LastError,
		"created_at":       o.CreatedAt,
	}
	if o.NextRunAt != nil {
		m["next_run_at"] = o.NextRunAt
	}
	if o.LastRunAt != nil {
		m["last_run_at"] = o.LastRunAt
	}
	return m
}

// statusFor maps coordinator and agent errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, swarm.ErrNotInitialized), errors.Is(err, errdefs.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, swarm.ErrShutdown), errors.Is(err, errdefs.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errdefs.ErrAgentUnavailable):
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
