package middleware

import (
	"github.com/MicahParks/keyfunc/v3"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/labstack/echo/v4"

	"github.com/hey-memory/LR4HCAR/internal/queue"
	"github.com/hey-memory/LR4HCAR/pkg/store"
)

type AppUser struct {
	UserID      int64
	Role        string
	Permissions []string
}

// App carries the shared clients of the HTTP server. S3 and Key may be nil,
// in which case storage backed routes answer 503 and only the master API
// key authenticates.
type App struct {
	Store          store.RunStorage
	Queue          queue.Channel
	Key            *keyfunc.Keyfunc
	S3             *s3.Client
	MasterAPIKey   string
	MasterUserID   int64
	MasterUserRole string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
