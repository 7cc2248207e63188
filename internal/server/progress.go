package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/corpus/internal/progress"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var progressTracer trace.Tracer = otel.Tracer("corpus/internal/server/progress")

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type progressHandler struct {
	progress *progress.Broadcaster
	opts     Options
	logger   *log.Logger
}

func (h *progressHandler) register(g *echo.Group) {
	g.GET("/:topic_id/progress", h.stream)
	g.GET("/:topic_id/ws", h.socket)
}

// subscribe attaches a channel-backed subscriber. The broadcaster detaches
// it when the handler falls behind by more than the channel buffer.
func (h *progressHandler) subscribe(topicID string) (string, <-chan progress.Event, <-chan struct{}, error) {
	events := make(chan progress.Event, 16)
	id, err := h.progress.Subscribe(topicID, progress.SubscriberFunc(func(ctx context.Context, ev progress.Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	if err != nil {
		return "", nil, nil, err
	}
	return id, events, h.progress.Done(topicID, id), nil
}

// stream pushes progress events for a topic as server-sent events until a
// terminal event, client disconnect or subscriber drop.
//
//	@Summary	Stream aggregation progress
//	@Tags		topics
//	@Param		topic_id	path	string	true	"Topic ID"
//	@Produce	text/event-stream
//	@Success	200	{string}	string
//	@Failure	503	{object}	map[string]string
//	@Router		/api/topics/{topic_id}/progress [get]
func (h *progressHandler) stream(c echo.Context) error {
	if h.progress == nil || !h.opts.ProgressStreamEnabled {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "progress stream disabled")
	}
	req := c.Request()
	topicID := strings.TrimSpace(c.Param("topic_id"))
	if topicID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic_id required")
	}
	ctx, span := progressTracer.Start(req.Context(), "progressHandler.stream")
	defer span.End()
	span.SetAttributes(attribute.String("topic_id", topicID))

	subID, events, done, err := h.subscribe(topicID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	defer h.progress.Unsubscribe(topicID, subID)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return nil
	}
	flusher.Flush()

	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ping.C:
			if _, err := fmt.Fprint(resp, ": ping\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeSSE(resp, ev); err != nil {
				span.RecordError(err)
				return nil
			}
			flusher.Flush()
			if ev.Type.Terminal() {
				return nil
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

// socket is the same feed as stream, framed as JSON websocket messages.
func (h *progressHandler) socket(c echo.Context) error {
	if h.progress == nil || !h.opts.WebsocketEnabled {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "websocket disabled")
	}
	topicID := strings.TrimSpace(c.Param("topic_id"))
	if topicID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic_id required")
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Printf("websocket upgrade %s: %v", topicID, err)
		return nil
	}
	defer conn.Close()

	subID, events, done, err := h.subscribe(topicID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(writeWait))
		return nil
	}
	defer h.progress.Unsubscribe(topicID, subID)

	// Reads only serve to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return nil
		case <-done:
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Printf("websocket write %s: %v", topicID, err)
				return nil
			}
			if ev.Type.Terminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Type)), time.Now().Add(writeWait))
				return nil
			}
		}
	}
}
