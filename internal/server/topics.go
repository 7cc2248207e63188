package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/corpus/internal/progress"
	"github.com/mohammad-safakhou/corpus/internal/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var topicsTracer trace.Tracer = otel.Tracer("corpus/internal/server/topics")

const maxBodyBytes = 1 << 20

type topicsHandler struct {
	topics   *service.Topics
	progress *progress.Broadcaster
}

type aggregateRequest struct {
	service.Request
	Async bool `json:"async,omitempty"`
}

type acceptedResponse struct {
	TopicID   string `json:"topic_id"`
	StatusURL string `json:"status_url"`
	StreamURL string `json:"stream_url"`
}

func (h *topicsHandler) register(g *echo.Group) {
	g.GET("/agents", h.agents)
	g.POST("/aggregate", h.aggregate)
	g.GET("/:topic_id/status", h.status)
}

// aggregate builds (or serves from cache) the corpus for one topic.
//
//	@Summary	Aggregate a topic corpus
//	@Tags		topics
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	service.Response
//	@Success	202	{object}	acceptedResponse
//	@Failure	400	{object}	map[string]string
//	@Router		/api/topics/aggregate [post]
func (h *topicsHandler) aggregate(c echo.Context) error {
	ctx, span := topicsTracer.Start(c.Request().Context(), "topicsHandler.aggregate")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if err := validateAggregateRequest(body); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req aggregateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	span.SetAttributes(
		attribute.String("topic", req.Topic),
		attribute.Bool("async", req.Async),
		attribute.Bool("refresh", req.Refresh),
	)

	if req.Async {
		id, err := h.topics.Submit(req.Request)
		if err != nil {
			return requestError(err)
		}
		span.SetAttributes(attribute.String("topic_id", id))
		return c.JSON(http.StatusAccepted, acceptedResponse{
			TopicID:   id,
			StatusURL: "/api/topics/" + id + "/status",
			StreamURL: "/api/topics/" + id + "/progress",
		})
	}

	resp, err := h.topics.Aggregate(ctx, req.Request)
	if err != nil {
		span.RecordError(err)
		return requestError(err)
	}
	span.SetAttributes(
		attribute.String("topic_id", resp.TopicID),
		attribute.String("status", string(resp.Status)),
		attribute.Bool("cached", resp.Cached),
	)
	return c.JSON(http.StatusOK, resp)
}

func (h *topicsHandler) agents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"agents": h.topics.Agents()})
}

// status returns the last event published for a topic.
func (h *topicsHandler) status(c echo.Context) error {
	topicID := strings.TrimSpace(c.Param("topic_id"))
	if topicID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic_id required")
	}
	if h.progress == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no progress for topic")
	}
	ev, ok := h.progress.Status(topicID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no progress for topic")
	}
	return c.JSON(http.StatusOK, ev)
}

func requestError(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrUnknownAgent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
