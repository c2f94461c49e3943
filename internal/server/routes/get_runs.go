package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hey-memory/LR4HCAR/internal/server/middleware"
	"github.com/hey-memory/LR4HCAR/internal/storage"
	"github.com/hey-memory/LR4HCAR/pkg/common"
	"github.com/hey-memory/LR4HCAR/pkg/logger"
	"github.com/hey-memory/LR4HCAR/pkg/store"
)

type runParam struct {
	ID string `param:"id" validate:"required"`
}

func bindRunParam(c echo.Context) (string, error) {
	data := new(runParam)
	if err := c.Bind(data); err != nil {
		return "", err
	}
	if err := c.Validate(data); err != nil {
		return "", err
	}
	return data.ID, nil
}

func runError(c echo.Context, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Run not found"})
	}
	logger.Error("[Server] Run storage failure", "err", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
}

// GetRunsHandler lists the most recent runs.
func GetRunsHandler(c echo.Context) error {
	type getRunsQuery struct {
		Limit int `query:"limit" validate:"min=0,max=1000"`
	}

	data := &getRunsQuery{Limit: 50}
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	runs, err := c.(*middleware.AppContext).App.Store.ListRuns(c.Request().Context(), data.Limit)
	if err != nil {
		return runError(c, err)
	}
	if runs == nil {
		runs = []common.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

func GetRunHandler(c echo.Context) error {
	id, err := bindRunParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	run, err := c.(*middleware.AppContext).App.Store.GetRun(c.Request().Context(), id)
	if err != nil {
		return runError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetRunMetricsHandler returns the evaluation metrics of a run keyed by
// structure name and metric.
func GetRunMetricsHandler(c echo.Context) error {
	id, err := bindRunParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	st := c.(*middleware.AppContext).App.Store
	ctx := c.Request().Context()
	if _, err := st.GetRun(ctx, id); err != nil {
		return runError(c, err)
	}
	rows, err := st.GetEvalMetrics(ctx, id)
	if err != nil {
		return runError(c, err)
	}
	return c.JSON(http.StatusOK, store.GroupMetrics(rows))
}

func GetRunLogsHandler(c echo.Context) error {
	id, err := bindRunParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	st := c.(*middleware.AppContext).App.Store
	ctx := c.Request().Context()
	if _, err := st.GetRun(ctx, id); err != nil {
		return runError(c, err)
	}
	logs, err := st.GetTrainLogs(ctx, id)
	if err != nil {
		return runError(c, err)
	}
	if logs == nil {
		logs = []common.TrainLog{}
	}
	return c.JSON(http.StatusOK, logs)
}

// GetRunRankingsHandler returns a presigned download link for the rankings
// of an evaluated run.
func GetRunRankingsHandler(c echo.Context) error {
	id, err := bindRunParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()
	run, err := app.Store.GetRun(ctx, id)
	if err != nil {
		return runError(c, err)
	}
	if run.Rankings == "" {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Run has no rankings yet"})
	}
	if app.S3 == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Object storage not configured"})
	}

	url, err := storage.GenerateDownloadLink(ctx, app.S3, run.Rankings)
	if err != nil {
		logger.Error("[Server] Failed to presign rankings", "run_id", id, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	return c.JSON(http.StatusOK, map[string]string{"url": url})
}
