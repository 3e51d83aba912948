package main

import (
	"context"
	"log"
	"net/http"
	"time"

	api "github.com/tutorweb/quizdb/internal/api/http"
	"github.com/tutorweb/quizdb/internal/auth"
	authmw "github.com/tutorweb/quizdb/internal/auth/middleware"
	"github.com/tutorweb/quizdb/internal/config"
	"github.com/tutorweb/quizdb/internal/db"
	"github.com/tutorweb/quizdb/internal/rbac"
	"github.com/tutorweb/quizdb/internal/stage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	cfg := config.FromEnv()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	store := stage.NewSQLStore(dbh, cfg.DBDriver)

	// --- Auth ---
	authSvc := authmw.NewAuthService(cfg.JWTSecret)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := cfg.CORSOriginsOffline
	if cfg.Mode == config.ModeOnline {
		origins = cfg.CORSOriginsOnline
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.EnableLocalAuth {
		r.Post("/auth/login", authmw.LoginHandler(authSvc, dbh, cfg.AdminUser, cfg.AdminPassHash))
	}
	r.Post("/auth/guest", auth.GuestLoginHandler(authSvc, dbh, cfg))

	// Protected API (JWT → role in context → RBAC)
	r.Group(func(pr chi.Router) {
		pr.Use(authmw.JWTMiddleware(authSvc))
		pr.Use(authmw.AttachRoleFromDB(dbh, cfg.Mode == config.ModeOffline))

		pr.With(rbac.Require("stage:view")).
			Get("/stages/{stageID}", api.GetStageHandler(store))
		pr.With(rbac.Require("stage:view")).
			Get("/stages/{stageID}/material", api.StageMaterialHandler(store))
		pr.With(rbac.Require("stage:sync")).
			Post("/stages/{stageID}/sync", api.SyncStageHandler(store))
		pr.With(rbac.Require("stage:request-review")).
			Get("/stages/{stageID}/request-review", api.RequestReviewHandler(store))
		pr.With(rbac.Require("coins:view")).
			Get("/coins", api.CoinsHandler(store))

		// Tutor/admin surfaces
		pr.With(rbac.Require("material:ingest")).
			Post("/material", api.PutMaterialHandler(dbh))
		pr.With(rbac.Require("material:ingest")).
			Post("/stages", api.PutStageHandler(dbh, cfg.DBDriver))
		pr.With(rbac.Require("students:vet")).
			Post("/stages/{stageID}/vet/{userID}", api.VetStudentHandler(dbh))

		// User management
		pr.With(rbac.Require("users:bulk_upsert")).
			Post("/users/bulk", api.BulkUpsertUsersHandler(dbh))
		pr.With(rbac.Require("users:list")).
			Get("/users", api.ListUsersHandler(dbh))
		pr.With(rbac.Require("user:change_password")).
			Post("/users/change-password", api.ChangePasswordHandler(dbh))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	log.Printf("listening on %s (mode=%s, db=%s)", cfg.HTTPAddr, cfg.Mode, cfg.DBDriver)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}
