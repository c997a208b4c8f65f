// Package web provides HTTP handlers and REST API endpoints for workflows and
// their executions.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const defaultExecutionsLimit = 50

type APIHandlers struct {
	workflows *workflow.Repository
	service   *workflow.Service
	validator *validator.Validate
}

func NewAPIHandlers(
	workflows *workflow.Repository,
	service *workflow.Service,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		workflows: workflows,
		service:   service,
		validator: validator,
	}
}

// Register mounts every endpoint on router.
func (h *APIHandlers) Register(router fiber.Router) {
	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.SaveWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Get("/:id/executions", h.GetWorkflowExecutions)
	w.Post("/:id/executions", h.TriggerExecution)

	router.Post("/collections", h.SaveCollection)

	e := router.Group("/executions")
	e.Get("/:id", h.GetExecution)
	e.Get("/:id/events", h.GetExecutionEvents)
	e.Post("/:id/signals", h.SignalExecution)
	e.Post("/:id/cancel", h.CancelExecution)

	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.workflows.FetchAll(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(workflows)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	definition, err := h.workflows.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

// SaveWorkflow creates or replaces a workflow definition.
func (h *APIHandlers) SaveWorkflow(c fiber.Ctx) error {
	var definition models.Workflow
	if err := c.Bind().JSON(&definition); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	saved, err := h.workflows.Save(c.Context(), &definition)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(saved)
}

// SaveCollection creates or renames a workflow collection.
func (h *APIHandlers) SaveCollection(c fiber.Ctx) error {
	var collection models.WorkflowCollection
	if err := c.Bind().JSON(&collection); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	saved, err := h.workflows.SaveCollection(c.Context(), &collection)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(saved)
}

func (h *APIHandlers) GetWorkflowExecutions(c fiber.Ctx) error {
	limit := defaultExecutionsLimit

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}

		limit = parsed
	}

	id := c.Params("id")

	_, err := h.workflows.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	executions, err := h.service.Executions(c.Context(), id, limit)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(executions)
}

// TriggerExecution enqueues a new execution. A repeated idempotency key
// answers 200 with the execution created the first time.
func (h *APIHandlers) TriggerExecution(c fiber.Ctx) error {
	var req TriggerExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format: "+err.Error())
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, created, err := h.service.Trigger(c.Context(), workflow.TriggerRequest{
		WorkflowID:        c.Params("id"),
		Input:             req.Input,
		TimeoutMs:         req.TimeoutMs,
		StartAtEpochMs:    req.StartAtEpochMs,
		ParentExecutionID: req.ParentExecutionID,
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	status := fiber.StatusCreated
	if !created {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(TriggerExecutionResponse{Execution: execution, Created: created})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	status, err := h.service.Status(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) GetExecutionEvents(c fiber.Ctx) error {
	history, err := h.service.Events(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(history)
}

func (h *APIHandlers) SignalExecution(c fiber.Ctx) error {
	var req SignalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	eventID, err := h.service.Signal(c.Context(), workflow.SignalRequest{
		ExecutionID:       c.Params("id"),
		Name:              req.Name,
		Payload:           req.Payload,
		SourceExecutionID: req.SourceExecutionID,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(SignalResponse{EventID: eventID})
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	err := h.service.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.workflows.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Waypoint API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Waypoint API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
