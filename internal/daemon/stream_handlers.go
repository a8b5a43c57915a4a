package daemon

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"stemflow/internal/api"
	"stemflow/internal/events"
	"stemflow/internal/logging"
)

const (
	longPollTimeout = 25 * time.Second
	wsPingInterval  = 20 * time.Second
	wsWriteTimeout  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Bearer auth guards the route; browsers on other origins are allowed.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents long-polls the progress history. An expired wait returns an
// empty page with the cursor unchanged.
func (s *apiServer) handleEvents(c *gin.Context) {
	since, _ := strconv.ParseUint(c.Query("since"), 10, 64)
	limit := queryInt(c, "limit", 200)
	wait := truthy(c.Query("wait"))

	ctx := c.Request.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, longPollTimeout)
		defer cancel()
	}

	evts, next, err := s.daemon.coord.Hub().Fetch(ctx, since, limit, wait)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if evts == nil {
		evts = []events.Event{}
	}
	c.JSON(http.StatusOK, api.EventsResponse{Events: evts, Next: next})
}

// handleEventsWS streams progress events over a websocket. When since is
// given, history after it is replayed before live delivery begins. A client
// too slow to keep up is disconnected.
func (s *apiServer) handleEventsWS(c *gin.Context) {
	rawSince, replay := c.GetQuery("since")
	since, _ := strconv.ParseUint(rawSince, 10, 64)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()

	sub := s.daemon.coord.Subscribe(0)
	defer sub.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(evt events.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(evt)
	}

	sent := since
	if replay {
		backlog, _, _ := s.daemon.coord.Hub().Fetch(ctx, since, 0, false)
		for _, evt := range backlog {
			if err := write(evt); err != nil {
				return
			}
			sent = evt.Sequence
		}
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-sub.Events():
			if !ok {
				reason := "event stream closed"
				if sub.Dropped() {
					reason = "subscriber fell behind"
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if evt.Sequence <= sent {
				continue
			}
			if err := write(evt); err != nil {
				return
			}
			sent = evt.Sequence
		}
	}
}

func (s *apiServer) handleLogs(c *gin.Context) {
	hub := s.daemon.logHub
	if hub == nil {
		c.JSON(http.StatusOK, api.LogStreamResponse{Events: []api.LogEvent{}})
		return
	}

	since, _ := strconv.ParseUint(c.Query("since"), 10, 64)
	limit := queryInt(c, "limit", 200)
	follow := truthy(c.Query("follow"))
	tail := truthy(c.Query("tail"))
	jobID := strings.TrimSpace(c.Query("job"))
	component := strings.TrimSpace(c.Query("component"))

	var (
		raw  []logging.LogEvent
		next uint64
	)
	if tail && since == 0 && !follow {
		raw, next = hub.Tail(limit)
	} else {
		ctx := c.Request.Context()
		if follow {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, longPollTimeout)
			defer cancel()
		}
		var err error
		raw, next, err = hub.Fetch(ctx, since, limit, follow)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.writeError(c, http.StatusInternalServerError, err.Error())
			return
		}
		if next < since {
			next = since
		}
	}

	filtered := make([]logging.LogEvent, 0, len(raw))
	for _, evt := range raw {
		if jobID != "" && evt.JobID != jobID {
			continue
		}
		if component != "" && !strings.EqualFold(component, evt.Component) {
			continue
		}
		filtered = append(filtered, evt)
	}
	c.JSON(http.StatusOK, api.LogStreamResponse{Events: api.FromLogEvents(filtered), Next: next})
}
