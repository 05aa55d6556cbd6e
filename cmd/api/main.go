package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"github.com/promptlens/backend/internal/analysis"
	"github.com/promptlens/backend/internal/handlers"
	"github.com/promptlens/backend/internal/middleware"
	"github.com/promptlens/backend/internal/workers"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Run migrations on startup
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	h := handlers.New(db)

	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", h.Health).Methods("GET")

	// Realtime events
	r.HandleFunc("/api/events/ws", h.EventsWebSocket)

	// User endpoints
	r.HandleFunc("/api/users", h.CreateUser).Methods("POST")
	r.HandleFunc("/api/users/{id}", h.GetUser).Methods("GET")
	r.HandleFunc("/api/users/{id}", h.UpdateUser).Methods("PUT")

	// Brand endpoints
	r.HandleFunc("/api/brands", h.CreateBrand).Methods("POST")
	r.HandleFunc("/api/brands/user/{userId}", h.ListBrandsForUser).Methods("GET")
	r.HandleFunc("/api/brands/{brandId}/user/{userId}", h.DeleteBrandForUser).Methods("DELETE")

	// Credit ledger
	r.HandleFunc("/api/credits/user/{userId}", h.GetUserCredits).Methods("GET")
	r.HandleFunc("/api/credits/history/user/{userId}", h.GetCreditHistory).Methods("GET")

	// Reports
	r.HandleFunc("/api/reports/user/{userId}", h.SaveReport).Methods("POST")
	r.HandleFunc("/api/reports/user/{userId}", h.ListReportsForUser).Methods("GET")
	r.HandleFunc("/api/reports/shared/{token}", h.GetSharedReport).Methods("GET")
	r.HandleFunc("/api/reports/{reportId}/user/{userId}", h.GetReport).Methods("GET")
	r.HandleFunc("/api/reports/{reportId}/user/{userId}", h.ResumeReport).Methods("PUT")
	r.HandleFunc("/api/reports/{reportId}/user/{userId}", h.DeleteReport).Methods("DELETE")
	r.HandleFunc("/api/reports/{reportId}/share/user/{userId}", h.ShareReport).Methods("POST")

	// Scheduled prompts
	r.HandleFunc("/api/scheduled-prompts/user/{userId}", h.CreateScheduledPrompt).Methods("POST")
	r.HandleFunc("/api/scheduled-prompts/user/{userId}", h.ListScheduledPromptsForUser).Methods("GET")
	r.HandleFunc("/api/scheduled-prompts/due", h.ListDueScheduledPrompts).Methods("GET")
	r.HandleFunc("/api/scheduled-prompts/{id}/user/{userId}", h.UpdateScheduledPrompt).Methods("PUT")
	r.HandleFunc("/api/scheduled-prompts/{id}/user/{userId}", h.DeleteScheduledPrompt).Methods("DELETE")
	r.HandleFunc("/api/scheduled-prompts/{id}/toggle/user/{userId}", h.ToggleScheduledPrompt).Methods("POST")

	// Workflow engine callback (n8n -> backend)
	r.HandleFunc("/callback/workflow/run-complete", h.WorkflowRunComplete).Methods("POST")

	// Billing
	handlers.RegisterBillingRoutes(h, r)

	// Plan gate middleware (model entitlement checks on report/schedule writes)
	gate := middleware.NewPlanGate(db)

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	handler := c.Handler(gate.Middleware(r))

	port := os.Getenv("PORT")
	if port == "" {
		port = "18920"
	}

	srv := &http.Server{
		Handler:      handler,
		Addr:         ":" + port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Background: scheduled prompt dispatcher (claims due schedules and posts
	// them to the workflow engine webhook)
	{
		enabled := os.Getenv("SCHEDULED_DISPATCH_ENABLED")
		if enabled == "" || enabled == "true" {
			interval := time.Minute
			if v := os.Getenv("SCHEDULED_DISPATCH_INTERVAL_SECONDS"); v != "" {
				var secs int
				if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
					interval = time.Duration(secs) * time.Second
				}
			}
			d := analysis.NewDispatcher(os.Getenv("WORKFLOW_WEBHOOK_URL"), os.Getenv("WORKFLOW_CALLBACK_SECRET"))
			go h.RunScheduledPromptDispatcher(rootCtx, interval, d)
		} else {
			log.Printf("[ScheduledPrompts] disabled via SCHEDULED_DISPATCH_ENABLED=%q", enabled)
		}
	}

	// Background: stale draft cleanup
	go (&workers.StaleReportCleanupWorker{DB: db}).Start(rootCtx)

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}
