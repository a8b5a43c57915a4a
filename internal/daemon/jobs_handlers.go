package daemon

import (
	"errors"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"stemflow/internal/api"
	"stemflow/internal/queue"
	"stemflow/internal/workflow"
)

const defaultHistoryLimit = 50

func (s *apiServer) handleSubmit(c *gin.Context) {
	var req api.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	output := strings.TrimSpace(req.OutputDirectory)
	if root := s.daemon.cfg.Paths.DefaultOutputDir; output == "" && root != "" {
		output = defaultOutputDir(root, req.SourcePath)
	}

	job, err := s.daemon.coord.Enqueue(c.Request.Context(), strings.TrimSpace(req.SourcePath), output, req.Metadata)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, api.SubmitResponse{JobID: job.ID, Status: string(job.Status)})
	case errors.Is(err, workflow.ErrDuplicateJob):
		s.writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrInvalidJob):
		s.writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrClosed):
		s.writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(c, http.StatusInternalServerError, err.Error())
	}
}

// handleListJobs returns the jobs of this daemon session. With history=1 it
// reads the persisted history instead, which survives restarts.
func (s *apiServer) handleListJobs(c *gin.Context) {
	var statuses []queue.Status
	for _, value := range c.QueryArray("status") {
		if strings.TrimSpace(value) == "" {
			continue
		}
		status, ok := queue.ParseStatus(value)
		if !ok {
			s.writeError(c, http.StatusBadRequest, "unknown status "+strconv.Quote(value))
			return
		}
		statuses = append(statuses, status)
	}

	if truthy(c.Query("history")) {
		limit := queryInt(c, "limit", defaultHistoryLimit)
		jobs, err := s.daemon.store.ListJobs(c.Request.Context(), limit, statuses...)
		if err != nil {
			s.writeError(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, api.JobListResponse{Jobs: api.FromJobs(jobs)})
		return
	}

	jobs := s.daemon.coord.Jobs()
	if len(statuses) > 0 {
		filtered := jobs[:0]
		for _, job := range jobs {
			for _, status := range statuses {
				if job.Status == status {
					filtered = append(filtered, job)
					break
				}
			}
		}
		jobs = filtered
	}
	c.JSON(http.StatusOK, api.JobListResponse{Jobs: api.FromJobs(jobs)})
}

func (s *apiServer) handleGetJob(c *gin.Context) {
	id := c.Param("id")
	if job, ok := s.daemon.coord.Job(id); ok {
		c.JSON(http.StatusOK, api.FromJob(job))
		return
	}
	stored, err := s.daemon.store.GetJob(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if stored == nil {
		s.writeError(c, http.StatusNotFound, "job not found")
		return
	}
	c.JSON(http.StatusOK, api.FromJob(*stored))
}

func (s *apiServer) handleRemoveJob(c *gin.Context) {
	job, err := s.daemon.coord.Remove(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, api.FromJob(job))
	case errors.Is(err, workflow.ErrNotFound):
		s.writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrJobNotQueued):
		s.writeError(c, http.StatusConflict, err.Error())
	default:
		s.writeError(c, http.StatusInternalServerError, err.Error())
	}
}

// defaultOutputDir places a job's artifacts under root, in a directory named
// after the source file without its extension.
func defaultOutputDir(root, source string) string {
	name := strings.TrimSpace(source)
	if queue.IsRemoteSource(name) {
		if u, err := url.Parse(name); err == nil {
			name = path.Base(u.Path)
		}
	} else {
		name = filepath.Base(name)
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" || name == "." || name == "/" {
		name = "untitled"
	}
	return filepath.Join(root, name)
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	parsed, err := strconv.Atoi(c.Query(key))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
