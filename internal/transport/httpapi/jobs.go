package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cupcake/internal/eventbus"
	"cupcake/internal/jobs"
	"cupcake/internal/storage"
	logx "cupcake/pkg/logx"
)

// jobRequest is the POST /api/job body.
type jobRequest struct {
	Name         string `json:"name"`
	Schedule     string `json:"schedule"`
	Source       string `json:"source"`
	Destination  string `json:"destination"`
	Profile      string `json:"profile"`
	StorageClass string `json:"storage_class"`
	LogRetention int    `json:"log_retention,omitempty"`
	Delete       *bool  `json:"delete,omitempty"`
}

func (j jobRequest) record() jobs.Record {
	// Jobs created from the web form always carry --delete.
	del := true
	if j.Delete != nil {
		del = *j.Delete
	}
	return jobs.Record{
		Name:             j.Name,
		Schedule:         j.Schedule,
		Source:           j.Source,
		Destination:      j.Destination,
		Profile:          j.Profile,
		StorageClass:     j.StorageClass,
		LogRetention:     j.LogRetention,
		DeleteExtraneous: del,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Health.Check(r.Context()))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Jobs.List(r.Context())
	if err != nil {
		s.sendStoreError(w, err, "")
		return
	}
	s.sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	start := time.Now()
	err := s.deps.Jobs.Create(r.Context(), req.record())
	s.recordMutation(r, "job.create", req.Name, start, err)
	if err != nil {
		s.sendStoreError(w, err, "Job not found")
		return
	}
	s.publishMutation(req.Name)
	s.sendMessage(w, "Job added successfully")
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	start := time.Now()
	err := s.deps.Jobs.Delete(r.Context(), name)
	s.recordMutation(r, "job.delete", name, start, err)
	if err != nil {
		s.sendStoreError(w, err, "Job not found")
		return
	}
	s.publishMutation(name)
	s.sendMessage(w, "Job deleted successfully")
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	name, ok := s.jobName(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, s.deps.Jobs.Stats(r.Context(), name))
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	name, ok := s.jobName(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Jobs.ListLogs(r.Context(), name)
	if err != nil {
		s.sendStoreError(w, err, "Job not found")
		return
	}
	s.sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	name, ok := s.jobName(w, r)
	if !ok {
		return
	}
	num, err := strconv.Atoi(r.PathValue("num"))
	if err != nil || num < 0 {
		s.sendError(w, http.StatusBadRequest, "log number must be a non-negative integer")
		return
	}
	path, err := s.deps.Jobs.LogPath(name, num)
	if err != nil {
		s.sendStoreError(w, err, "Log file not found")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.sendError(w, http.StatusNotFound, "Log file not found")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="`+filepath.Base(path)+`"`)
	http.ServeContent(w, r, filepath.Base(path), fi.ModTime(), f)
}

func (s *Server) jobName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("name")
	if err := jobs.ValidateName(name); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return name, true
}

func (s *Server) publishMutation(name string) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.JobMutated, Source: name})
	}
}

// recordMutation feeds the audit trail, metrics and the log. Audit failures
// are logged and never fail the request.
func (s *Server) recordMutation(r *http.Request, action, target string, start time.Time, err error) {
	took := time.Since(start)
	s.deps.Metrics.ObserveMutation(action, err)

	fields := []logx.Field{
		logx.String("action", action),
		logx.String("target", target),
		logx.String("remote", r.RemoteAddr),
		logx.Duration("took", took),
	}
	if err != nil {
		s.log.Warn("mutation failed", append(fields, logx.Err(err))...)
	} else {
		s.log.Info("mutation", fields...)
	}

	if s.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     start.UTC(),
		Action: action,
		Target: target,
		Remote: r.RemoteAddr,
		OK:     err == nil,
		TookMS: took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.deps.Audit.AppendAudit(r.Context(), e); aerr != nil {
		s.log.Warn("audit append failed", logx.Err(aerr))
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		s.sendError(w, http.StatusNotFound, "audit storage disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			s.sendError(w, http.StatusBadRequest, "limit must be between 1 and 10000")
			return
		}
		limit = n
	}
	list, err := s.deps.Audit.RecentAudit(r.Context(), limit)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []storage.AuditEntry{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runtime == nil {
		s.sendError(w, http.StatusNotFound, "runtime not available")
		return
	}
	s.sendJSON(w, http.StatusOK, s.deps.Runtime())
}
