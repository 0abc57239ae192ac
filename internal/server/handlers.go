package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/htgrid/htgrid/pkg/machine"
	"github.com/htgrid/htgrid/pkg/model"
	"github.com/htgrid/htgrid/pkg/store"
)

// errorBody is the JSON envelope every non-2xx response carries.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.st.DB().PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_DOWN", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

type jobView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) jobView(r *http.Request, id string) (*jobView, error) {
	job, err := model.LoadJob(r.Context(), s.st, id)
	if err != nil {
		return nil, err
	}
	run, err := model.LoadRun(r.Context(), s.st, job.RunID)
	if err != nil {
		return nil, err
	}
	return &jobView{
		ID:        job.ID,
		Title:     job.Title,
		Author:    job.Author,
		RunID:     job.RunID,
		Status:    string(run.Status),
		Error:     run.ErrorMessage,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobView(r, chi.URLParam(r, "id"))
	if err != nil {
		s.respondLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		ids []string
		err error
	)
	if author := r.URL.Query().Get("author"); author != "" {
		ids, err = s.st.IDsByAuthor(ctx, model.KindJob, author)
	} else {
		ids, err = s.st.IDsByKind(ctx, model.KindJob)
	}
	if err != nil {
		s.respondLoadError(w, err)
		return
	}

	statusFilter := r.URL.Query().Get("status")
	views := make([]*jobView, 0, len(ids))
	for _, id := range ids {
		view, err := s.jobView(r, id)
		if err != nil {
			s.respondLoadError(w, err)
			return
		}
		if statusFilter != "" && view.Status != statusFilter {
			continue
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		ids []string
		err error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		ids, err = s.st.IDsByKindStatus(ctx, model.KindRun, status)
	} else {
		ids, err = s.st.IDsByKind(ctx, model.KindRun)
	}
	if err != nil {
		s.respondLoadError(w, err)
		return
	}
	runs := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		run, err := model.LoadRun(ctx, s.st, id)
		if err != nil {
			s.respondLoadError(w, err)
			return
		}
		runs = append(runs, map[string]any{
			"id":           run.ID,
			"status":       run.Status,
			"owned_by":     run.OwnedBy,
			"input_hash":   run.InputHash,
			"submit_count": run.SubmitCount,
			"error":        run.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := model.LoadRun(r.Context(), s.st, chi.URLParam(r, "id"))
	if err != nil {
		s.respondLoadError(w, err)
		return
	}
	files, err := s.st.ListAttachments(r.Context(), run.ID)
	if err != nil {
		s.respondLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            run.ID,
		"status":        run.Status,
		"owned_by":      run.OwnedBy,
		"input_hash":    run.InputHash,
		"remote_handle": run.RemoteHandle,
		"submit_count":  run.SubmitCount,
		"error":         run.ErrorMessage,
		"files":         files,
		"created_at":    run.CreatedAt,
		"updated_at":    run.UpdatedAt,
	})
}

type taskView struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	Workflow   string    `json:"workflow"`
	State      string    `json:"state"`
	Transition string    `json:"transition"`
	Children   []string  `json:"children"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastRunAt  time.Time `json:"last_run_at,omitzero"`
}

func newTaskView(t *model.Task) *taskView {
	return &taskView{
		ID:         t.ID,
		Title:      t.Title,
		Author:     t.Author,
		Workflow:   t.Workflow,
		State:      t.State,
		Transition: string(t.Transition),
		Children:   t.Children,
		Error:      t.ErrorMessage,
		CreatedAt:  t.CreatedAt,
		LastRunAt:  t.LastRunAt,
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := model.LoadTask(r.Context(), s.st, chi.URLParam(r, "id"))
	if err != nil {
		s.respondLoadError(w, err)
		return
	}
	view := newTaskView(task)
	writeJSON(w, http.StatusOK, map[string]any{
		"task":   view,
		"result": task.ResultData,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		ids []string
		err error
	)
	if transition := r.URL.Query().Get("transition"); transition != "" {
		ids, err = s.st.IDsByKindStatus(ctx, model.KindTask, transition)
	} else {
		ids, err = s.st.IDsByKind(ctx, model.KindTask)
	}
	if err != nil {
		s.respondLoadError(w, err)
		return
	}
	views := make([]*taskView, 0, len(ids))
	for _, id := range ids {
		task, err := model.LoadTask(ctx, s.st, id)
		if err != nil {
			s.respondLoadError(w, err)
			return
		}
		views = append(views, newTaskView(task))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

// handleRetryTask resumes an errored task in the state it failed in.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := model.LoadTask(ctx, s.st, chi.URLParam(r, "id"))
	if err != nil {
		s.respondLoadError(w, err)
		return
	}
	if err := machine.Retry(task); err != nil {
		writeError(w, http.StatusConflict, "NOT_RETRYABLE", err.Error())
		return
	}
	if err := s.st.Save(ctx, task); err != nil {
		s.respondLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": newTaskView(task)})
}

// handleKillTask routes a task into its workflow's kill state; the
// scheduler cancels the children on its next pass.
func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := model.LoadTask(ctx, s.st, chi.URLParam(r, "id"))
	if err != nil {
		s.respondLoadError(w, err)
		return
	}
	m, err := machine.New(task.Workflow, machine.Deps{Store: s.st, Log: s.log})
	if err != nil {
		writeError(w, http.StatusConflict, "UNKNOWN_WORKFLOW", err.Error())
		return
	}
	if err := m.Kill(task); err != nil {
		writeError(w, http.StatusConflict, "NOT_KILLABLE", err.Error())
		return
	}
	if err := s.st.Save(ctx, task); err != nil {
		s.respondLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": newTaskView(task)})
}

func (s *Server) respondLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	s.log.Error("status api", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}
