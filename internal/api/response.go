package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/apperr"
)

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type errorResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Kind       string `json:"kind,omitempty"`
	DevMessage string `json:"dev_message,omitempty"`
}

func respond(c *fiber.Ctx, code int, message string, data any) error {
	return c.Status(code).JSON(successResponse{Success: true, Message: message, Data: data})
}

// statusFor maps an error to the HTTP status returned to the client.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, apperr.ErrTooLarge):
		return fiber.StatusRequestEntityTooLarge
	case errors.Is(err, apperr.ErrUnsupportedFormat):
		return fiber.StatusUnsupportedMediaType
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return fiber.StatusServiceUnavailable
	}

	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return fiber.StatusBadRequest
	case apperr.KindNotFound:
		return fiber.StatusNotFound
	case apperr.KindForbidden:
		return fiber.StatusForbidden
	case apperr.KindInvalidTransition, apperr.KindConflict:
		return fiber.StatusConflict
	case apperr.KindTransient:
		return fiber.StatusServiceUnavailable
	case apperr.KindSchema:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// errorHandler renders every error returned by a handler as an envelope.
// dev_message carries the full chain only when expose is set.
func errorHandler(log *zap.Logger, expose bool) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := statusFor(err)

		resp := errorResponse{Message: fiber.ErrInternalServerError.Message}
		var fe *fiber.Error
		var ae *apperr.Error
		switch {
		case errors.As(err, &fe):
			resp.Message = fe.Message
		case errors.As(err, &ae):
			resp.Message = ae.Msg
			resp.Kind = ae.Kind.String()
		case code != fiber.StatusInternalServerError:
			resp.Message = err.Error()
		}
		if expose {
			resp.DevMessage = err.Error()
		}

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		}
		if code >= fiber.StatusInternalServerError {
			log.Error("request failed", fields...)
		} else {
			log.Debug("request rejected", fields...)
		}

		return c.Status(code).JSON(resp)
	}
}
