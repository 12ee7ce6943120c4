package merge

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Deduplicator interface {
	ResolveDuplicates(ctx context.Context, entityTypeSlug string, opts merging.Options) (*merging.MergeReport, error)
}

type Handler struct {
	merger Deduplicator
}

func NewHandler(merger Deduplicator) *Handler {
	return &Handler{merger: merger}
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/entity-types/:slug/dedupe", h.Dedupe)
}

// Dedupe merges duplicate active entities of one type. ?dry_run=true
// reports the groups without writing.
func (h *Handler) Dedupe(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "merge_handler.Dedupe")
	defer span.End()

	var opts merging.Options
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &opts); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid query parameters")
	}

	report, err := h.merger.ResolveDuplicates(ctx, c.Param("slug"), opts)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return c.JSON(http.StatusOK, report)
}
