package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

type managersResponse struct {
	Managers []engine.ManagerStatus `json:"managers"`
}

type packagesResponse struct {
	Backend  string           `json:"backend"`
	Packages []engine.Package `json:"packages"`
}

type jobsResponse struct {
	Jobs []engine.Job `json:"jobs"`
}

type logsResponse struct {
	JobID   string           `json:"job_id"`
	Status  engine.JobStatus `json:"status"`
	LastSeq uint64           `json:"last_seq"`
	Lines   []engine.LogLine `json:"lines"`
}

type clearResponse struct {
	Removed int `json:"removed"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Managers int    `json:"managers"`
	Jobs     int    `json:"jobs"`
}

// createJobRequest is the body of POST /v1/jobs.
type createJobRequest struct {
	Backend   string `json:"backend" validate:"required"`
	Operation string `json:"operation" validate:"required,oneof=install update uninstall"`
	Target    string `json:"target" validate:"required"`
	Version   string `json:"version,omitempty"`
	Force     bool   `json:"force,omitempty"`
	Scope     struct {
		Kind string `json:"kind" validate:"omitempty,oneof=global local"`
		Dir  string `json:"dir" validate:"required_if=Kind local"`
	} `json:"scope"`
}

// scopeFromQuery reads ?scope=local&dir=... and defaults to global.
func scopeFromQuery(r *http.Request) (engine.Scope, error) {
	q := r.URL.Query()
	return engine.ResolveScope(q.Get("scope"), q.Get("dir"))
}

func boolQuery(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, engine.NewInvalidError(fmt.Sprintf("query parameter %s must be a boolean", name))
	}
	return b, nil
}

func (s *Server) handleManagers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, managersResponse{Managers: s.catalog.Scan(r.Context())})
}

func (s *Server) handleManager(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.registry.Backend(name); err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, d := range s.registry.Descriptors(r.Context()) {
		if d.Name == name {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	s.writeError(w, r, engine.NewManagerUnavailableError(name, nil).WithCode(engine.ErrCodeUnknownManager))
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var opts engine.ListOptions
	for name, dst := range map[string]*bool{
		"refresh":  &opts.Refresh,
		"stale":    &opts.AllowStale,
		"outdated": &opts.WithOutdated,
	} {
		if *dst, err = boolQuery(r, name); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	listing, err := s.catalog.ListInstalled(r.Context(), r.PathValue("name"), scope, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleOutdated(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := r.PathValue("name")
	pkgs, err := s.catalog.Outdated(r.Context(), name, scope)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, packagesResponse{Backend: name, Packages: pkgs})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pkg, err := s.catalog.Info(r.Context(), r.PathValue("name"), scope, r.PathValue("pkg"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := r.PathValue("name")
	pkgs, err := s.catalog.Dependencies(r.Context(), name, scope, r.PathValue("pkg"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, packagesResponse{Backend: name, Packages: pkgs})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var backends []string
	for _, name := range strings.Split(q.Get("managers"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			backends = append(backends, name)
		}
	}
	result, err := s.catalog.Search(r.Context(), q.Get("q"), backends)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body createJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, r, engine.NewInvalidError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if err := s.validate.Struct(body); err != nil {
		s.writeError(w, r, engine.NewInvalidError(validationMessage(err)))
		return
	}

	scope, err := engine.ResolveScope(body.Scope.Kind, body.Scope.Dir)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Create(r.Context(), engine.JobRequest{
		Backend:   body.Backend,
		Operation: engine.Operation(body.Operation),
		Target:    body.Target,
		Version:   body.Version,
		Force:     body.Force,
		Scope:     scope,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "createJobRequest."))
		switch fe.Tag() {
		case "required", "required_if":
			parts = append(parts, field+" is required")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", field))
		}
	}
	return strings.Join(parts, "; ")
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, r, engine.NewInvalidError("query parameter after must be a non-negative integer"))
			return
		}
		after = n
	}

	job, err := s.jobs.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lines, err := s.jobs.Logs(id, after)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	last := after
	if len(lines) > 0 {
		last = lines[len(lines)-1].Seq
	}
	writeJSON(w, http.StatusOK, logsResponse{JobID: id, Status: job.Status, LastSeq: last, Lines: lines})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, clearResponse{Removed: s.jobs.Clear()})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.catalog.Invalidate(r.Context(), r.PathValue("name"), scope); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  s.version,
		Managers: len(s.registry.Names()),
		Jobs:     len(s.jobs.List()),
	})
}
