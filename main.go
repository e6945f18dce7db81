package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/jonboulle/clockwork"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"treasure-hunt-system/config"
	"treasure-hunt-system/game"
	"treasure-hunt-system/handlers"
	"treasure-hunt-system/ledger"
	"treasure-hunt-system/middleware"
	"treasure-hunt-system/models"
	"treasure-hunt-system/realtime"
	"treasure-hunt-system/services"
	"treasure-hunt-system/utils"
	"treasure-hunt-system/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Hunt{},
		&models.Move{},
		&models.TurnLock{},
		&models.TreasureClaim{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	// --- Notifications: Redis when configured, in-process otherwise ---
	var broker realtime.Broker
	if cfg.Redis.Enabled() {
		rb, err := realtime.NewRedisBroker(cfg.Redis)
		if err != nil {
			log.Fatal("failed to connect to Redis:", err)
		}
		broker = rb
	} else {
		log.Println("⚠️  REDIS_HOST not set, notifications stay in-process")
		broker = realtime.NewLocalBroker(64)
	}
	defer broker.Close()

	// --- Ledger ---
	if !cfg.Ledger.Enabled() {
		log.Fatal("ETH_RPC_URL, HUNT_CONTRACT_ADDRESS and ETH_PRIVATE_KEY must be set")
	}
	oracle, err := ledger.NewEthOracle(ctx, cfg.Ledger, utils.HTTPClient)
	if err != nil {
		log.Fatal("failed to initialize ledger oracle:", err)
	}
	defer oracle.Close()
	oracle.ConfirmTimeout = cfg.MoveConfirmationTimeout

	clock := clockwork.NewRealClock()
	grid := game.NewGrid(cfg.GridSize, game.Position{X: cfg.StartX, Y: cfg.StartY})

	// --- Artifacts (optional) ---
	artifacts := &services.ArtifactService{DB: db, Broker: broker, Clock: clock, Grid: grid}
	if cfg.R2.Enabled() {
		r2, err := utils.NewR2Client(ctx, cfg.R2)
		if err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		artifacts.Generator = &services.R2ArtifactGenerator{
			Store:        r2,
			ImageBaseURL: strings.TrimRight(cfg.R2.CDNBaseURL, "/") + "/treasures",
		}
	} else {
		log.Println("⚠️  R2 not configured, finished hunts get no NFT artifacts")
	}

	locks := services.NewTurnLockService(db, broker, clock, cfg.TurnLeaseDuration)
	moves := services.NewMoveService(db, oracle, broker, locks, artifacts, clock, grid, cfg.MoveConfirmationTimeout)
	hunts := services.NewHuntService(db, oracle, broker, clock, grid, cfg.MaxMoves)
	streams := services.NewStreamService(broker, hunts)

	sched, err := services.StartMaintenanceScheduler(ctx, locks, artifacts, cfg.LockSweepInterval, 5*time.Minute, clock)
	if err != nil {
		log.Fatal("failed to start scheduler:", err)
	}

	workers.NewReconcileWorker(db, oracle, cfg.ReconcileInterval).Start(ctx)
	if cfg.Profile.BaseURL != "" {
		workers.NewProfileSyncWorker(db, utils.HTTPClient, cfg.Profile.BaseURL, cfg.Profile.EndpointPath, cfg.GatewayToken, cfg.Profile.Interval).Start(ctx)
	}

	app := fiber.New()

	// 🔐❗ GLOBAL: Only Gateway requests allowed, no exceptions
	app.Use(middleware.GatewayAuthMiddleware(cfg.GatewayToken))

	allowedOrigins := strings.Join(cfg.AllowedOrigins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, Cache-Control, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupHuntRoutes(app, hunts, locks, moves, streams)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", cfg.Port)
	log.Printf("✅ Grid %dx%d, start (%d,%d), %d moves, %s turn lease", cfg.GridSize, cfg.GridSize, cfg.StartX, cfg.StartY, cfg.MaxMoves, cfg.TurnLeaseDuration)
	log.Printf("✅ CORS configured for origins: %s", allowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := sched.Shutdown(); err != nil {
		log.Printf("Scheduler shutdown error: %v", err)
	}
	moves.Wait()
}
