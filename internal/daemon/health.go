package daemon

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"golang.org/x/sys/unix"

	"stemflow/internal/api"
	"stemflow/internal/events"
	"stemflow/internal/logging"
	"stemflow/internal/stage"
)

func (s *apiServer) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	d := s.daemon

	records := d.coord.Pipeline().Collaborators().HealthCheck(ctx)
	db, err := d.store.CheckHealth(ctx)
	if err != nil && db.Error == "" {
		db.Error = err.Error()
	}
	disk := diskStatus(d.cfg.Paths.DataDir)
	sinks := d.coord.Hub().SinkStatuses()
	if sinks == nil {
		sinks = []events.SinkStatus{}
	}

	c.JSON(http.StatusOK, api.HealthResponse{
		Ready:         stage.AllReady(records) && db.Readable && disk.Error == "",
		PID:           os.Getpid(),
		Collaborators: api.FromHealth(records),
		Disk:          disk,
		Sinks:         sinks,
		Database:      db,
		Batch:         api.FromStatus(d.coord.Status()),
	})
}

// diskStatus reports free and total bytes on the filesystem holding path.
func diskStatus(path string) api.DiskStatus {
	status := api.DiskStatus{Path: path}
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		status.Error = err.Error()
		return status
	}
	bsize := uint64(fs.Bsize)
	status.FreeBytes = fs.Bavail * bsize
	status.TotalBytes = fs.Blocks * bsize
	return status
}

func (s *apiServer) handleTestNotification(c *gin.Context) {
	sent, message, err := s.daemon.TestNotification(c.Request.Context())
	if err != nil {
		s.logger.Warn("test notification failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "notification_test_failed"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network access"),
		)
		s.writeError(c, http.StatusBadGateway, message+": "+err.Error())
		return
	}
	c.JSON(http.StatusOK, api.NotificationTestResponse{Sent: sent, Message: message})
}
