package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"promptwatch/internal/models"
	"promptwatch/internal/store"
)

type JobRouter struct {
	store  store.Store
	router chi.Router
}

func (j *JobRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	j.router.ServeHTTP(w, r)
}

func NewJobRouter(st store.Store, router chi.Router) *JobRouter {
	r := &JobRouter{store: st, router: router}
	r.router.Get("/", r.ListJobs)
	r.router.Get("/{jobID}", r.GetJob)
	return r
}

// JobView is the job row plus derived progress fields
type JobView struct {
	models.BatchJob
	PendingTasks int  `json:"pendingTasks"`
	Drained      bool `json:"drained"`
}

func newJobView(job *models.BatchJob) JobView {
	pending := job.TotalTasks - job.CompletedTasks - job.FailedTasks
	if pending < 0 {
		pending = 0
	}
	return JobView{BatchJob: *job, PendingTasks: pending, Drained: job.Drained()}
}

// ListJobs returns jobs filtered by the optional org, status and window query
// parameters, newest first.
func (j *JobRouter) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Status: models.JobStatus(r.URL.Query().Get("status")),
		Window: r.URL.Query().Get("window"),
	}

	if raw := r.URL.Query().Get("org"); raw != "" {
		orgID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "org must be an integer id", http.StatusBadRequest)
			return
		}
		filter.OrgID = orgID
	}

	jobs, err := j.store.ListJobs(r.Context(), filter)
	if err != nil {
		http.Error(w, "Failed to fetch jobs", http.StatusInternalServerError)
		log.Error().Err(err).Msg("Failed to fetch jobs")
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	serveJson(w, views)
}

func (j *JobRouter) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		http.Error(w, "job id must be an integer", http.StatusBadRequest)
		return
	}

	job, err := j.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "no such job", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to fetch job", http.StatusInternalServerError)
		log.Error().Err(err).Int64("job_id", jobID).Msg("Failed to fetch job")
		return
	}

	serveJson(w, newJobView(job))
}
