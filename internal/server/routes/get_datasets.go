package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hey-memory/LR4HCAR/internal/server/middleware"
	"github.com/hey-memory/LR4HCAR/internal/storage"
	"github.com/hey-memory/LR4HCAR/pkg/logger"
)

// GetDatasetsHandler lists the dataset folders in object storage.
func GetDatasetsHandler(c echo.Context) error {
	type getDatasetsResponse struct {
		Message  string   `json:"message,omitempty"`
		Datasets []string `json:"datasets"`
	}

	client := c.(*middleware.AppContext).App.S3
	if client == nil {
		return c.JSON(http.StatusServiceUnavailable, getDatasetsResponse{
			Message: "Object storage not configured",
		})
	}

	datasets, err := storage.ListFolders(c.Request().Context(), client, storage.DatasetsPrefix)
	if err != nil {
		logger.Error("[Server] Failed to list datasets", "err", err)
		return c.JSON(http.StatusInternalServerError, getDatasetsResponse{
			Message: "Internal server error",
		})
	}
	if datasets == nil {
		datasets = []string{}
	}

	return c.JSON(http.StatusOK, getDatasetsResponse{Datasets: datasets})
}
