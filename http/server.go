// mirror/http/server.go
package http

import (
	"errors"
	"os"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/rs/zerolog/log"

	"github.com/vinizap/lumi/mirror/auth"
	"github.com/vinizap/lumi/mirror/blob"
	"github.com/vinizap/lumi/mirror/filesystem"
	"github.com/vinizap/lumi/mirror/index"
	"github.com/vinizap/lumi/mirror/ledger"
	"github.com/vinizap/lumi/mirror/metrics"
	"github.com/vinizap/lumi/mirror/pipeline"
	"github.com/vinizap/lumi/mirror/quota"
	"github.com/vinizap/lumi/mirror/ws"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Sync   *pipeline.Orchestrator
	Index  index.Index
	Ledger *ledger.Ledger
	Store  *filesystem.Store
	Quota  *quota.Tracker
	Hub    *ws.Hub
	Auth   *auth.Authenticator
}

type Server struct {
	Deps
}

func NewServer(d Deps) *Server {
	return &Server{Deps: d}
}

// App builds the fiber application with every route mounted.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "lumi-mirror",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Content-Type," + auth.Header,
	}))
	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = statusOf(err)
			}
		}
		metrics.RecordHTTPRequest(c.Method(), status)
		return err
	})

	app.Get("/healthz", s.HandleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group("/api", s.Auth.Middleware())
	api.Post("/sync/import", s.HandleImport)
	api.Post("/sync/refetch/:id", s.HandleRefetch)
	api.Get("/resources", s.HandleListResources)
	api.Get("/resources/:id", s.HandleGetResource)
	api.Delete("/resources/:id", s.HandleDeleteResource)
	api.Get("/resources/:id/tree", s.HandleTree)
	api.Get("/resources/:id/preview", s.HandlePreview)
	api.Get("/resources/:id/svg/:name", s.HandleVector)
	api.Get("/resources/:id/images/:ref", s.HandleRaster)
	api.Get("/resources/:id/versions", s.HandleVersions)
	api.Get("/resources/:id/versions/:folder", s.HandleVersion)
	api.Get("/quota", s.HandleQuota)

	app.Use("/ws", s.Auth.Middleware(), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		s.Hub.HandleConnection(c)
	}))

	return app
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidURL):
		return fiber.StatusBadRequest
	case errors.Is(err, index.ErrNotFound),
		errors.Is(err, ledger.ErrNoEntry),
		errors.Is(err, ledger.ErrNoVersion),
		errors.Is(err, blob.ErrNotFound),
		errors.Is(err, os.ErrNotExist):
		return fiber.StatusNotFound
	case errors.Is(err, pipeline.ErrSyncInProgress),
		errors.Is(err, pipeline.ErrResourceExists),
		errors.Is(err, index.ErrExists):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code == fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
