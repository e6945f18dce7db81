// handlers/hunt_routes.go
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"treasure-hunt-system/middleware"
	"treasure-hunt-system/services"
)

func SetupHuntRoutes(app *fiber.App, hunts *services.HuntService, locks *services.TurnLockService, moves *services.MoveService, streams *services.StreamService) {
	// 🔓 Public routes: no user context, still behind Gateway auth
	app.Get("/hunts", hunts.ListHuntsHandler)
	app.Get("/hunts/events", streams.StreamHuntList)
	app.Get("/hunts/:id", hunts.GetHuntHandler)
	app.Get("/hunts/:id/events", streams.StreamHunt)

	// 🔐 Secured routes: require user context (userID, roles)
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Post("/hunts", hunts.CreateHuntHandler)
	secured.Post("/hunts/:id/claim", locks.ClaimTurnHandler)
	secured.Get("/hunts/:id/lock/me", locks.HoldsLockHandler)
	secured.Post("/hunts/:id/moves", moves.SubmitMoveHandler)
	secured.Post("/hunts/:id/reveal", hunts.RevealTreasureHandler)
	secured.Get("/users/me/treasures", hunts.ListUserTreasuresHandler)

	// 🛡️ Admin
	secured.Post("/admin/hunts/delete", hunts.DeleteHuntsHandler)
}
