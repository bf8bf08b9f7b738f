package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/genselfie/api/internal/client"
	"github.com/genselfie/api/internal/config"
	"github.com/genselfie/api/internal/handler"
	"github.com/genselfie/api/internal/jobs"
	"github.com/genselfie/api/internal/ledger"
	"github.com/genselfie/api/internal/middleware"
	"github.com/genselfie/api/internal/model"
	"github.com/genselfie/api/internal/promo"
	"github.com/genselfie/api/internal/service"
	"github.com/genselfie/api/internal/session"
	"github.com/genselfie/api/internal/worker"
	ws "github.com/genselfie/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection; without Redis the queue and distributed
	// session store fall back to in-process equivalents.
	ctx := context.Background()
	redisAvailable := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
		redisAvailable = false
	}

	queueEnabled := cfg.Queue.Enabled && redisAvailable
	var asynqClient *asynq.Client
	if queueEnabled {
		asynqClient = asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer asynqClient.Close()
	} else {
		log.Println("Info: Queue disabled, jobs run in-process")
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize external clients
	stripeClient := client.NewStripeClient(&cfg.Stripe)
	lnbitsClient := client.NewLNBitsClient(&cfg.LNBits)
	comfyClient := client.NewComfyClient(&cfg.Comfy)
	socialClient := client.NewSocialClient()

	// Promo store with startup-provisioned codes
	promoStore := promo.NewMemoryStore()
	for _, spec := range cfg.Promo.Codes {
		code, uses := parseCodeSpec(spec)
		promoStore.Provision(code, uses, nil)
	}

	paymentLedger := ledger.New(promoStore, stripeClient, lnbitsClient)

	// Pending session store, Redis-backed when available
	var sessionStore session.Store
	if redisAvailable {
		sessionStore = session.NewRedisStore(redisClient, cfg.Session.TTL)
	} else {
		memStore := session.NewMemoryStore(cfg.Session.TTL, cfg.Session.SweepInterval)
		defer memStore.Stop()
		sessionStore = memStore
	}

	jobTable := jobs.NewTable()
	catalog := cfg.Catalog()

	// Initialize services
	paymentService := service.NewPaymentService(paymentLedger, catalog, cfg)
	generationService := service.NewGenerationService(
		paymentLedger, sessionStore, jobTable, comfyClient, socialClient,
		hub, asynqClient, catalog, cfg.Comfy.PollInterval, cfg.Comfy.MaxWait,
	)

	// Initialize handlers
	paymentHandler := handler.NewPaymentHandler(paymentService, validate)
	generateHandler := handler.NewGenerateHandler(generationService, validate)
	sessionHandler := handler.NewSessionHandler(generationService, validate)
	profileHandler := handler.NewProfileHandler(socialClient, validate)
	adminHandler := handler.NewAdminHandler(&cfg.Admin, promoStore, generationService, catalog, validate)

	adminAuth := middleware.NewAdminAuth(cfg.Admin.JWTSecret)
	rateLimiter := middleware.NewRateLimiter(limiterRedis(redisClient, redisAvailable))

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    20 * 1024 * 1024, // 20MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"stripe":  stripeClient.IsConfigured(),
				"lnbits":  lnbitsClient.IsConfigured(),
				"comfy":   comfyClient.IsConfigured(),
				"redis":   redisAvailable,
				"queue":   queueEnabled,
				"presets": len(catalog.List()),
				"promo":   cfg.Promo.Enabled,
			},
			"methods":   model.ValidPaymentMethods,
			"platforms": model.ValidPlatforms,
		})
	})

	// API routes
	api := app.Group("/api")

	// Payment routes
	payments := api.Group("/payments", rateLimiter.PaymentLimit(cfg.RateLimit.PaymentsPerMin))
	payments.Post("/", paymentHandler.Create)
	payments.Get("/:credentialId/status", paymentHandler.Status)

	api.Post("/codes/validate", rateLimiter.PaymentLimit(cfg.RateLimit.PaymentsPerMin), paymentHandler.ValidateCode)

	// Profile resolution
	api.Post("/profile", rateLimiter.ProfileLimit(cfg.RateLimit.ProfilePerMin), profileHandler.Resolve)

	// Pending sessions
	api.Post("/sessions", rateLimiter.PaymentLimit(cfg.RateLimit.PaymentsPerMin), sessionHandler.Create)

	// Generation routes
	api.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generateHandler.Generate)
	api.Get("/generate/:jobId", generateHandler.Status)

	// Admin routes
	admin := api.Group("/admin")
	admin.Post("/login", adminHandler.Login)
	admin.Post("/codes", adminAuth.Authenticate(), adminHandler.CreateCode)
	admin.Get("/codes", adminAuth.Authenticate(), adminHandler.ListCodes)
	admin.Delete("/codes/:code", adminAuth.Authenticate(), adminHandler.RevokeCode)
	admin.Get("/presets", adminAuth.Authenticate(), adminHandler.ListPresets)
	admin.Get("/jobs", adminAuth.Authenticate(), adminHandler.ListJobs)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	if queueEnabled {
		go startWorkerServer(cfg, generationService)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, generationService *service.GenerationService) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues: map[string]int{
				"generate": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	generationWorker := worker.NewGenerationWorker(generationService)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeGenerate, generationWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

// parseCodeSpec splits a startup code spec, CODE or CODE:uses.
func parseCodeSpec(spec string) (string, int) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) == 2 {
		if uses, err := strconv.Atoi(parts[1]); err == nil {
			return parts[0], uses
		}
	}
	return parts[0], 0
}

func limiterRedis(client *redis.Client, available bool) *redis.Client {
	if !available {
		return nil
	}
	return client
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
