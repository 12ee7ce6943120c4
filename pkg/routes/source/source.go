package source

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/sourcesync"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Runner lists configured sources and runs passes. scheduler.Scheduler
// satisfies it.
type Runner interface {
	Sources() []models.ExternalSource
	Next(slug string) time.Time
	RunNow(ctx context.Context, slug string) (*sourcesync.SyncReport, error)
}

type Handler struct {
	runner Runner
	logger ectologger.Logger
}

func NewHandler(runner Runner, logger ectologger.Logger) *Handler {
	return &Handler{runner: runner, logger: logger}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.POST("/:slug/sync", h.Sync)
}

type SourceStatus struct {
	models.ExternalSource
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (h *Handler) List(c echo.Context) error {
	sources := h.runner.Sources()
	out := make([]SourceStatus, 0, len(sources))
	for _, src := range sources {
		status := SourceStatus{ExternalSource: src}
		if next := h.runner.Next(src.Slug); !next.IsZero() {
			status.NextRun = &next
		}
		out = append(out, status)
	}
	return c.JSON(http.StatusOK, out)
}

// Sync runs a pass for the source now and returns its report. A pass that is
// already running answers 409.
func (h *Handler) Sync(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "source_handler.Sync")
	defer span.End()

	slug := c.Param("slug")
	report, err := h.runner.RunNow(ctx, slug)
	if errors.Is(err, scheduler.ErrPassRunning) {
		return httperror.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"source":    slug,
		"pass_id":   report.PassID,
		"processed": report.Processed,
		"errors":    len(report.Errors),
	}).Info("Manual sync pass finished")
	return c.JSON(http.StatusOK, report)
}
