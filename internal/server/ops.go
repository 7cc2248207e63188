package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/corpus/internal/cache"
	"github.com/mohammad-safakhou/corpus/internal/resilience"
)

// opsHandler exposes cache maintenance and breaker state.
type opsHandler struct {
	cache    *cache.Manager
	breakers *resilience.Registry
}

func (h *opsHandler) register(g *echo.Group) {
	g.GET("/breakers", h.listBreakers)
	g.GET("/cache/stats", h.cacheStats)
	g.POST("/cache/sweep", h.cacheSweep)
	g.DELETE("/cache/:key", h.cacheInvalidate)
}

func (h *opsHandler) listBreakers(c echo.Context) error {
	if h.breakers == nil {
		return c.JSON(http.StatusOK, []resilience.Snapshot{})
	}
	return c.JSON(http.StatusOK, h.breakers.Snapshots())
}

// cacheStats reports hit rate, size and the most accessed keys.
//
//	@Summary	Cache statistics
//	@Tags		cache
//	@Produce	json
//	@Success	200	{object}	cache.Stats
//	@Router		/api/cache/stats [get]
func (h *opsHandler) cacheStats(c echo.Context) error {
	if h.cache == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cache disabled")
	}
	stats, err := h.cache.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *opsHandler) cacheSweep(c echo.Context) error {
	if h.cache == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cache disabled")
	}
	report, err := h.cache.Sweep(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (h *opsHandler) cacheInvalidate(c echo.Context) error {
	if h.cache == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cache disabled")
	}
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key required")
	}
	ok, err := h.cache.Invalidate(c.Request().Context(), key)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "key not cached")
	}
	return c.NoContent(http.StatusNoContent)
}
