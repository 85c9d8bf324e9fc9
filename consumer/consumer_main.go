package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tnqbao/gau-forge/config"
	"github.com/tnqbao/gau-forge/consumer/worker"
	infraPkg "github.com/tnqbao/gau-forge/infra"
	"github.com/tnqbao/gau-forge/orchestrator"
	"github.com/tnqbao/gau-forge/repository"
)

func main() {
	err := godotenv.Load("../staging.env")
	if err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	infra := infraPkg.InitInfra(cfg)
	repo := repository.InitRepository(infra)

	// Initialize context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, _, err := orchestrator.FromInfra(cfg, infra, repo, orchestrator.RoleWorker)
	if err != nil {
		infra.Logger.ErrorWithContextf(ctx, err, "Failed to build orchestrator: %v", err)
		log.Fatalf("Failed to build orchestrator: %v", err)
	}

	jobConsumer := worker.NewJobConsumer(infra)
	stopped := make(chan error, 1)
	go func() {
		stopped <- orch.Start(ctx, jobConsumer)
	}()

	// Wait for interrupt signal or a worker failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		infra.Logger.InfoWithContextf(ctx, "Shutting down consumer...")
		cancel()
		// running jobs are failed and recorded before the workers return
		if err := <-stopped; err != nil {
			infra.Logger.ErrorWithContextf(ctx, err, "Workers stopped with error: %v", err)
		}
	case err := <-stopped:
		if err != nil {
			infra.Logger.ErrorWithContextf(ctx, err, "Workers stopped: %v", err)
		}
		cancel()
	}

	jobConsumer.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := orch.Close(shutdownCtx); err != nil {
		infra.Logger.ErrorWithContextf(shutdownCtx, err, "Failed to release adapters: %v", err)
	}
	infra.Logger.InfoWithContextf(shutdownCtx, "Consumer exited properly")
	infra.Close(shutdownCtx)
}
