package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tnqbao/gau-forge/config"
	"github.com/tnqbao/gau-forge/http/controller"
	"github.com/tnqbao/gau-forge/http/route"
	infraPkg "github.com/tnqbao/gau-forge/infra"
	"github.com/tnqbao/gau-forge/orchestrator"
	"github.com/tnqbao/gau-forge/repository"
)

func main() {
	err := godotenv.Load("staging.env")
	if err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	infra := infraPkg.InitInfra(cfg)
	repo := repository.InitRepository(infra)

	orch, _, err := orchestrator.FromInfra(cfg, infra, repo, orchestrator.RoleAPI)
	if err != nil {
		log.Fatalf("Failed to build orchestrator: %v", err)
	}

	ctrl := controller.NewController(cfg, infra, repo, orch)

	router := routes.SetupRouter(ctrl)
	server := &http.Server{
		Addr:    ":8080",
		Handler: router,
	}

	go func() {
		log.Println("HTTP Server started on :8080")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	infra.Logger.InfoWithContextf(ctx, "Shutting down HTTP server...")
	if err := server.Shutdown(ctx); err != nil {
		infra.Logger.ErrorWithContextf(ctx, err, "HTTP server shutdown: %v", err)
	}
	infra.Close(ctx)
}
