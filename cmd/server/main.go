package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/wristpay/backend/internal/config"
	"github.com/wristpay/backend/internal/database"
	"github.com/wristpay/backend/internal/fraud"
	"github.com/wristpay/backend/internal/handlers"
	"github.com/wristpay/backend/internal/ledger"
	mW "github.com/wristpay/backend/internal/middleware"
	"github.com/wristpay/backend/internal/payments"
	"github.com/wristpay/backend/internal/services"
)

// @title Festival Cashless API
// @version 1.0
// @description Cashless payments backend for festival wristbands
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("gateway.base_url", "GATEWAY_BASE_URL")
	viper.BindEnv("tag.hmac_secret", "TAG_HMAC_SECRET")
	viper.BindEnv("ledger.currency", "LEDGER_CURRENCY")
	viper.BindEnv("settlement.endpoint", "SETTLEMENT_ENDPOINT")
	viper.BindEnv("storage.driver", "STORAGE_DRIVER")

	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)
	viper.SetDefault("ledger.currency", "EUR")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// dev mode: STORAGE_DRIVER=memory keeps ledger state in process memory
	var store ledger.Store = ledger.NewPostgresStore(db)
	if viper.GetString("storage.driver") == "memory" {
		log.Println("Using in-memory ledger store")
		store = ledger.NewMemoryStore()
	}
	gateway := payments.NewClient(viper.GetString("gateway.base_url"), redisClient)
	engine := ledger.NewEngine(store, gateway, config.LoadLedgerConfig())
	scorer := fraud.NewScorer(redisClient, config.LoadFraudConfig())

	settlementService := services.NewSettlementService(redisClient)
	walletService := services.NewWalletService(engine, scorer, settlementService, gateway)
	accountService := services.NewAccountService(store)
	authService := services.NewAuthService(db, redisClient)
	qrService := services.NewQRService(redisClient)
	qrHandler := handlers.NewQRHandler(qrService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/profile", authService.GetProfile)

			// Account lifecycle
			r.Post("/accounts", accountService.Provision)
			r.Post("/accounts/link-tag", accountService.LinkTag)
			r.Get("/accounts/{accountId}/balance", accountService.Balance)

			// Wallet operations
			r.Post("/wallet/topup", walletService.TopUp)
			r.Post("/wallet/pay", walletService.Pay)
			r.Post("/wallet/transfer", walletService.Transfer)
			r.Get("/wallet/transactions", walletService.History)

			// Vendor payment request QR codes
			r.Post("/qr/payment-request", qrHandler.CreatePaymentRequest)
			r.Post("/qr/claim", qrHandler.ClaimPaymentRequest)

			// Staff-only operations
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireStaff)

				r.Post("/wallet/refund", walletService.Refund)
				r.Post("/wallet/cash-confirm", walletService.CashConfirm)
				r.Post("/accounts/{accountId}/deactivate", accountService.Deactivate)
				r.Post("/settlement/export", settlementService.ExportBatch)
				r.Post("/settlement/ack", settlementService.Acknowledge)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
