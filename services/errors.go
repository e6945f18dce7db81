// services/errors.go
package services

import (
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"

	"treasure-hunt-system/models"
)

// ErrorKind classifies why a game operation was refused.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindPrecondition ErrorKind = "precondition"
	KindLocked       ErrorKind = "locked"
	KindRace         ErrorKind = "race"
	KindOracle       ErrorKind = "oracle"
	KindTimeout      ErrorKind = "timeout"
	KindIntegrity    ErrorKind = "integrity"
	KindUnauthorized ErrorKind = "unauthorized"
	KindInternal     ErrorKind = "internal"
)

// HTTPStatus maps a kind onto the status the API answers with.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return fiber.StatusNotFound
	case KindPrecondition, KindLocked, KindRace:
		return fiber.StatusConflict
	case KindOracle:
		return fiber.StatusBadGateway
	case KindTimeout:
		return fiber.StatusGatewayTimeout
	case KindUnauthorized:
		return fiber.StatusForbidden
	default:
		return fiber.StatusInternalServerError
	}
}

// Retryable reports whether the caller may simply try again.
func (k ErrorKind) Retryable() bool {
	return k == KindRace || k == KindTimeout
}

// GameError is the failure every public game operation returns. Message is
// written for players and is shown as-is.
type GameError struct {
	Kind    ErrorKind
	Message string
	// Lock is the blocking lease for KindLocked.
	Lock *models.TurnLock
	Err  error
}

func (e *GameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *GameError) Unwrap() error { return e.Err }

func newGameError(kind ErrorKind, msg string, err error) *GameError {
	return &GameError{Kind: kind, Message: msg, Err: err}
}

func notFound(msg string) *GameError     { return newGameError(KindNotFound, msg, nil) }
func precondition(msg string) *GameError { return newGameError(KindPrecondition, msg, nil) }

func internalError(msg string, err error) *GameError {
	return newGameError(KindInternal, msg, err)
}

// asGameError returns err as a *GameError, wrapping anything unclassified.
func asGameError(err error, fallback string) *GameError {
	if err == nil {
		return nil
	}
	var ge *GameError
	if errors.As(err, &ge) {
		return ge
	}
	return internalError(fallback, err)
}

// respondError writes err in the API's {"error": ...} shape.
func respondError(c *fiber.Ctx, err error) error {
	ge := asGameError(err, "unexpected error")
	if ge.Kind == KindInternal || ge.Kind == KindIntegrity {
		log.Printf("❌ [API] %s %s: %v", c.Method(), c.Path(), ge)
	}

	body := fiber.Map{
		"error":     ge.Message,
		"kind":      ge.Kind,
		"retryable": ge.Kind.Retryable(),
	}
	if ge.Lock != nil {
		body["lock"] = ge.Lock
	}
	return c.Status(ge.Kind.HTTPStatus()).JSON(body)
}

// currentUserID reads the identity UserContextMiddleware attached.
func currentUserID(c *fiber.Ctx) (string, bool) {
	userID, ok := c.Locals("user_id").(string)
	return userID, ok && userID != ""
}

func unauthenticated(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}
