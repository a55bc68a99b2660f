package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/internal/service"
	"github.com/noah-isme/fleet-scheduler-api/pkg/response"
)

const (
	eventsPingInterval = 20 * time.Second
	eventsReadTimeout  = 60 * time.Second
	eventsWriteTimeout = 10 * time.Second
)

type runSubscriber interface {
	Subscribe(ctx context.Context, runID string) (<-chan service.RunEvent, func(), *dto.RunStatusResponse, error)
}

// RunEventsHandler streams run progress over WebSocket.
type RunEventsHandler struct {
	runs     runSubscriber
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewRunEventsHandler constructs the handler. An empty origin list accepts any origin.
func NewRunEventsHandler(runs *service.SchedulingService, allowedOrigins []string, logger *zap.Logger) *RunEventsHandler {
	return newRunEventsHandler(runs, allowedOrigins, logger)
}

func newRunEventsHandler(runs runSubscriber, allowedOrigins []string, logger *zap.Logger) *RunEventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimRight(o, "/")] = struct{}{}
	}
	return &RunEventsHandler{
		runs:   runs,
		logger: logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 {
				return true
			}
			_, ok := origins[strings.TrimRight(origin, "/")]
			return ok
		}},
	}
}

// Stream godoc
// @Summary Stream run progress events
// @Description Upgrades to WebSocket. The first message is the current status; the stream closes after a terminal status.
// @Tags Scheduler
// @Param id path string true "Run ID"
// @Success 101
// @Failure 404 {object} response.Envelope
// @Router /scheduler/runs/{id}/events [get]
func (h *RunEventsHandler) Stream(c *gin.Context) {
	runID := c.Param("id")
	// Detached from the request so the subscription outlives the upgrade handshake.
	ctx, cancelCtx := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancelCtx()

	events, unsubscribe, status, err := h.runs.Subscribe(ctx, runID)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	initial := service.RunEvent{
		RunID:       status.RunID,
		Type:        service.RunEventStatus,
		Status:      status.Status,
		Progress:    status.Progress,
		Operation:   status.CurrentOperation,
		HasWarnings: status.HasWarnings,
		At:          time.Now().UTC(),
	}
	if err := h.write(conn, initial); err != nil || status.Status.Terminal() {
		h.close(conn)
		return
	}

	// Clients only send control frames; the read loop notices disconnects.
	go func() {
		defer cancelCtx()
		conn.SetReadLimit(1 << 10)
		_ = conn.SetReadDeadline(time.Now().Add(eventsReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsReadTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				h.close(conn)
				return
			}
			if err := h.write(conn, evt); err != nil {
				return
			}
			if evt.Type == service.RunEventStatus && evt.Status.Terminal() {
				h.close(conn)
				return
			}
		}
	}
}

func (h *RunEventsHandler) write(conn *websocket.Conn, evt service.RunEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
	return conn.WriteJSON(evt)
}

func (h *RunEventsHandler) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventsWriteTimeout))
}
