package daemon

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"stemflow/internal/api"
	"stemflow/internal/workflow"
)

func (s *apiServer) handleBatchStart(c *gin.Context) {
	run, err := s.daemon.coord.Start(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, api.BatchStartResponse{BatchID: run.ID})
	case errors.Is(err, workflow.ErrAlreadyRunning):
		s.writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrEmptyQueue):
		s.writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrClosed):
		s.writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(c, http.StatusInternalServerError, err.Error())
	}
}

// handleBatchStop is accepted whether or not a batch is active; stopping an
// idle coordinator does nothing.
func (s *apiServer) handleBatchStop(c *gin.Context) {
	status := s.daemon.coord.Status()
	s.daemon.coord.Stop()
	c.JSON(http.StatusAccepted, api.BatchStopResponse{Stopping: status.Active, BatchID: status.BatchID})
}

func (s *apiServer) handleBatchStatus(c *gin.Context) {
	c.JSON(http.StatusOK, api.FromStatus(s.daemon.coord.Status()))
}

func (s *apiServer) handleBatches(c *gin.Context) {
	records, err := s.daemon.store.ListBatches(c.Request.Context(), queryInt(c, "limit", 20))
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	batches := make([]api.Batch, 0, len(records))
	for _, record := range records {
		batches = append(batches, api.FromBatchRecord(record))
	}
	c.JSON(http.StatusOK, api.BatchListResponse{Batches: batches})
}
