package rest

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"yqhp/ml-orchestrator/internal/breaker"
	"yqhp/ml-orchestrator/internal/dispatch"
	"yqhp/ml-orchestrator/internal/model"
	"yqhp/ml-orchestrator/internal/store"
	"yqhp/ml-orchestrator/internal/task"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, breaker.ErrCircuitBreakerOpen),
		errors.Is(err, task.ErrTaskLimitExceeded):
		return fiber.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrNoEligibleNode):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, model.ErrModelNotFound),
		errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, model.ErrModelBusy),
		errors.Is(err, task.ErrDuplicateTask),
		errors.Is(err, task.ErrUpdateInProgress),
		errors.Is(err, task.ErrTaskFinished):
		return fiber.StatusConflict
	case errors.Is(err, model.ErrCustomPlanNotAllowed):
		return fiber.StatusForbidden
	}
	return fiber.StatusInternalServerError
}

func errorCode(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "invalid_request"
	case fiber.StatusForbidden:
		return "forbidden"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusConflict:
		return "conflict"
	case fiber.StatusTooManyRequests:
		return "too_many_requests"
	case fiber.StatusServiceUnavailable:
		return "unavailable"
	}
	return strings.ToLower(strings.ReplaceAll(utils.StatusMessage(status), " ", "_"))
}

func writeError(c *fiber.Ctx, err error) error {
	return writeStatus(c, statusFor(err), err.Error())
}

func writeStatus(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error:   errorCode(status),
		Message: message,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return writeStatus(c, fiber.StatusBadRequest, message)
}
