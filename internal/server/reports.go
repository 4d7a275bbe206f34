package server

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mercatorhq/mercator/internal/pipeline"
	"github.com/mercatorhq/mercator/internal/reportindex"
)

// ReportsHandler serves full-text search over finished reports.
type ReportsHandler struct {
	store  pipeline.Store
	index  *reportindex.Index
	logger *log.Logger
}

// NewReportsHandler constructs a ReportsHandler.
func NewReportsHandler(st pipeline.Store, idx *reportindex.Index, logger *log.Logger) *ReportsHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[REPORTS] ", log.LstdFlags)
	}
	return &ReportsHandler{store: st, index: idx, logger: logger}
}

func (h *ReportsHandler) Register(g *echo.Group) {
	g.GET("/search", h.search)
}

// search queries the report index. The index is refreshed from the store
// before searching so reports finished since the last call are visible.
//
//	@Summary	Search reports
//	@Tags		reports
//	@Param		q	query	string	true	"Query text"
//	@Param		k	query	int		false	"Maximum hits (default 10)"
//	@Produce	json
//	@Success	200	{object}	SearchResponse
//	@Failure	400	{object}	HTTPError
//	@Router		/api/reports/search [get]
func (h *ReportsHandler) search(c echo.Context) error {
	ctx := c.Request().Context()
	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k := 10
	if val := strings.TrimSpace(c.QueryParam("k")); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			k = n
		}
	}

	if err := h.index.EnsureFromStore(ctx, h.store); err != nil {
		h.logger.Printf("index refresh: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "report index unavailable")
	}
	hits, err := h.index.Search(query, k)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []reportindex.Hit{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: query, Hits: hits})
}
