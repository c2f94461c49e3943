package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hey-memory/LR4HCAR/internal/server/middleware"
	"github.com/hey-memory/LR4HCAR/internal/storage"
	"github.com/hey-memory/LR4HCAR/pkg/common"
	"github.com/hey-memory/LR4HCAR/pkg/logger"
)

// DeleteRunHandler removes a run with its logs, metrics and stored
// rankings. Runs that are currently training cannot be deleted.
func DeleteRunHandler(c echo.Context) error {
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
	if run.Status == common.RunStatusTraining {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Run is training"})
	}

	if app.S3 != nil {
		if err := storage.DeleteFolder(ctx, app.S3, storage.RunPrefix(id)+"/"); err != nil {
			logger.Error("[Server] Failed to delete run artefacts", "run_id", id, "err", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		}
	}
	if err := app.Store.DeleteRun(ctx, id); err != nil {
		return runError(c, err)
	}

	logger.Info("[Server] Run deleted", "run_id", id)
	return c.JSON(http.StatusOK, map[string]string{"message": "Run deleted"})
}
