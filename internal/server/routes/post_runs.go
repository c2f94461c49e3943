package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/hey-memory/LR4HCAR/internal/queue"
	"github.com/hey-memory/LR4HCAR/internal/server/middleware"
	"github.com/hey-memory/LR4HCAR/internal/util"
	"github.com/hey-memory/LR4HCAR/pkg/common"
	"github.com/hey-memory/LR4HCAR/pkg/logger"
)

// CreateRunHandler stores a new run and enqueues it for training. Params
// left out of the request body keep their configured defaults.
func CreateRunHandler(c echo.Context) error {
	type createRunBody struct {
		Dataset string           `json:"dataset" validate:"required"`
		Params  common.RunParams `json:"params"`
	}

	type createRunResponse struct {
		Message string      `json:"message"`
		Run     *common.Run `json:"run,omitempty"`
	}

	data := &createRunBody{Params: util.DefaultRunParams()}
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, createRunResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, createRunResponse{
			Message: "Invalid request body: " + err.Error(),
		})
	}

	id, err := gonanoid.New()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, createRunResponse{
			Message: "Internal server error",
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()
	run := common.Run{
		ID:      id,
		Dataset: data.Dataset,
		Status:  common.RunStatusQueued,
		Params:  data.Params,
	}
	if err := app.Store.CreateRun(ctx, run); err != nil {
		logger.Error("[Server] Failed to create run", "err", err)
		return c.JSON(http.StatusInternalServerError, createRunResponse{
			Message: "Internal server error",
		})
	}

	msg, err := json.Marshal(queue.QueueTrainMsg{Message: "Run created", RunID: id})
	if err == nil {
		err = queue.PublishFIFO(app.Queue, queue.TrainQueue, msg)
	}
	if err != nil {
		logger.Error("[Server] Failed to enqueue run", "run_id", id, "err", err)
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Store.UpdateRunStatus(updateCtx, id, common.RunStatusFailed, "failed to enqueue run")
		return c.JSON(http.StatusInternalServerError, createRunResponse{
			Message: "Failed to enqueue run",
		})
	}

	created, err := app.Store.GetRun(ctx, id)
	if err != nil {
		created = run
	}
	logger.Info("[Server] Run created", "run_id", id, "dataset", data.Dataset)

	return c.JSON(http.StatusCreated, createRunResponse{
		Message: "Run queued",
		Run:     &created,
	})
}
