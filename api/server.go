// Package api serves the ticket dashboard over HTTP.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/moznion/go-optional"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
)

// UserHeader carries the acting user of a status change.
const UserHeader = "X-User-ID"

// New builds the fiber app serving engine.
func New(engine *triage.Engine) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "threat-triage",
		ReadTimeout:  30 * time.Second,
		ErrorHandler: errorHandler,
	})
	app.Use(fiberrecover.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	teams := app.Group("/teams/:team")
	teams.Get("/tickets", listTickets(engine))
	teams.Get("/counts/priority", countByPriority(engine))
	teams.Get("/counts/status", countByStatus(engine))

	app.Get("/tickets/:ticket", getTicket(engine))
	app.Get("/tickets/:ticket/history", ticketHistory(engine))
	app.Put("/tickets/:ticket/status", setTicketStatus(engine))

	return app
}

func listTickets(engine *triage.Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		filter := triage.TicketFilter{
			ServiceID:   c.Query("service"),
			PackageName: c.Query("package"),
			Status:      triage.TopicStatus(c.Query("status")),
			Priority:    triage.Priority(c.Query("priority")),
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		}
		if filter.Priority != "" && !filter.Priority.Valid() {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("unknown priority %q", filter.Priority))
		}

		views, err := engine.ListTickets(c.UserContext(), c.Params("team"), filter)
		if err != nil {
			return err
		}
		resp := make([]TicketResponse, 0, len(views))
		for _, v := range views {
			resp = append(resp, newTicketResponse(v))
		}
		return c.JSON(resp)
	}
}

func getTicket(engine *triage.Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		view, err := engine.GetTicket(c.UserContext(), c.Params("ticket"))
		if err != nil {
			return err
		}
		return c.JSON(newTicketResponse(view))
	}
}

func ticketHistory(engine *triage.Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		history, err := engine.TicketHistory(c.UserContext(), c.Params("ticket"))
		if err != nil {
			return err
		}
		resp := make([]StatusResponse, 0, len(history))
		for _, s := range history {
			resp = append(resp, newStatusResponse(s))
		}
		return c.JSON(resp)
	}
}

// StatusBody is the payload of a status change. An absent scheduled_at and
// an explicit null are different requests.
type StatusBody struct {
	TopicStatus triage.TopicStatus `json:"topic_status"`
	Note        string             `json:"note"`
	Assignees   []string           `json:"assignees"`
	ScheduledAt json.RawMessage    `json:"scheduled_at"`
	ActionIDs   []string           `json:"action_ids"`
}

func (b StatusBody) request() (triage.StatusRequest, error) {
	req := triage.StatusRequest{
		TopicStatus: b.TopicStatus,
		Note:        b.Note,
		Assignees:   b.Assignees,
		ActionIDs:   b.ActionIDs,
	}
	switch {
	case len(b.ScheduledAt) == 0:
		req.ScheduledAt = optional.None[*time.Time]()
	case bytes.Equal(b.ScheduledAt, []byte("null")):
		req.ScheduledAt = optional.Some[*time.Time](nil)
	default:
		var at time.Time
		if err := json.Unmarshal(b.ScheduledAt, &at); err != nil {
			return req, fmt.Errorf("invalid scheduled_at: %w", err)
		}
		req.ScheduledAt = optional.Some(&at)
	}
	return req, nil
}

func setTicketStatus(engine *triage.Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor := c.Get(UserHeader)
		if actor == "" {
			return fiber.NewError(fiber.StatusBadRequest, UserHeader+" header is required")
		}

		var body StatusBody
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
		}
		req, err := body.request()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		status, err := engine.SetTicketStatus(c.UserContext(), c.Params("ticket"), actor, req)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(newStatusResponse(status))
	}
}

func countByPriority(engine *triage.Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		counts, err := engine.CountByPriority(c.UserContext(), c.Params("team"))
		if err != nil {
			return err
		}
		return c.JSON(counts)
	}
}

func countByStatus(engine *triage.Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		counts, err := engine.CountByStatus(c.UserContext(), c.Params("team"))
		if err != nil {
			return err
		}
		return c.JSON(counts)
	}
}

// errorHandler maps engine errors onto status codes.
func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		status = fe.Code
	case errors.Is(err, triage.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, triage.ErrInvalidTransition):
		status = fiber.StatusBadRequest
	case errors.Is(err, triage.ErrDuplicatePackageDefinition):
		status = fiber.StatusConflict
	}
	if status == fiber.StatusInternalServerError {
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "err", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
