// mirror/http/handlers.go
package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"github.com/vinizap/lumi/mirror/domain"
)

type importRequest struct {
	URL string `json:"url"`
}

func (s *Server) HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"index":   s.Index.Type(),
		"clients": s.Hub.Clients(),
	})
}

func (s *Server) HandleImport(c *fiber.Ctx) error {
	var req importRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.URL == "" {
		return fiber.NewError(fiber.StatusBadRequest, "url is required")
	}
	return s.stream(c, func(ctx context.Context) (<-chan domain.Event, error) {
		return s.Sync.Import(ctx, req.URL)
	})
}

func (s *Server) HandleRefetch(c *fiber.Ctx) error {
	id := c.Params("id")
	return s.stream(c, func(ctx context.Context) (<-chan domain.Event, error) {
		return s.Sync.Refetch(ctx, id)
	})
}

// stream opens an operation and relays its events as server-sent events.
// Errors from open are returned before any byte of the stream is written.
// The request context of fasthttp does not survive the handler, so the
// operation gets its own context, cancelled when the client goes away.
func (s *Server) stream(c *fiber.Ctx, open func(context.Context) (<-chan domain.Event, error)) error {
	ctx, cancel := context.WithCancel(context.Background())
	events, err := open(ctx)
	if err != nil {
		cancel()
		return err
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")
	c.Status(fiber.StatusOK)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Str("step", string(ev.Step)).Msg("failed to encode event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				log.Debug().Err(err).Msg("event stream client disconnected")
				return
			}
		}
	}))
	return nil
}

func (s *Server) HandleListResources(c *fiber.Ctx) error {
	recs, err := s.Index.List(c.UserContext())
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []*domain.Resource{}
	}
	return c.JSON(recs)
}

func (s *Server) resource(c *fiber.Ctx) (*domain.Resource, error) {
	return s.Index.Get(c.UserContext(), c.Params("id"))
}

func (s *Server) HandleGetResource(c *fiber.Ctx) error {
	rec, err := s.resource(c)
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

func (s *Server) HandleDeleteResource(c *fiber.Ctx) error {
	if err := s.Sync.Remove(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) HandleTree(c *fiber.Ctx) error {
	rec, err := s.resource(c)
	if err != nil {
		return err
	}
	tree, err := s.Store.LoadTree(c.UserContext(), rec.ID)
	if err != nil {
		return err
	}
	if tree == nil {
		return fiber.NewError(fiber.StatusNotFound, "tree not found")
	}
	return c.JSON(tree)
}

func (s *Server) HandlePreview(c *fiber.Ctx) error {
	rec, err := s.resource(c)
	if err != nil {
		return err
	}
	png, err := s.Store.LoadPreview(c.UserContext(), rec.ID)
	if err != nil {
		return err
	}
	c.Set("Content-Type", "image/png")
	return c.Send(png)
}

func (s *Server) HandleVector(c *fiber.Ctx) error {
	rec, err := s.resource(c)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(c.Params("name"), ".svg")
	svg, err := s.Store.LoadVectorAsset(c.UserContext(), rec.ID, name)
	if err != nil {
		return err
	}
	c.Set("Content-Type", "image/svg+xml")
	return c.Send(svg)
}

func (s *Server) HandleRaster(c *fiber.Ctx) error {
	rec, err := s.resource(c)
	if err != nil {
		return err
	}
	ref := domain.AssetRef(strings.TrimSuffix(c.Params("ref"), ".png"))
	png, err := s.Store.LoadRasterAsset(c.UserContext(), rec.ID, ref)
	if err != nil {
		return err
	}
	c.Set("Content-Type", "image/png")
	return c.Send(png)
}

func (s *Server) HandleVersions(c *fiber.Ctx) error {
	rec, err := s.resource(c)
	if err != nil {
		return err
	}
	versions, err := s.Ledger.List(c.UserContext(), rec.ID)
	if err != nil {
		return err
	}
	return c.JSON(versions)
}

func (s *Server) HandleVersion(c *fiber.Ctx) error {
	rec, err := s.resource(c)
	if err != nil {
		return err
	}
	tree, err := s.Ledger.LoadVersion(c.UserContext(), rec.ID, c.Params("folder"))
	if err != nil {
		return err
	}
	return c.JSON(tree)
}

func (s *Server) HandleQuota(c *fiber.Ctx) error {
	stats, err := s.Quota.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}
