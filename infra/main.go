package infra

import (
	"context"
	"log"

	"github.com/tnqbao/gau-forge/config"
	"github.com/tnqbao/gau-forge/infra/produce"
)

type Infra struct {
	Redis     *RedisClient
	Postgres  *PostgresClient
	Logger    *LoggerClient
	Telemetry *TelemetryClient
	RabbitMQ  *RabbitMQClient
	Produce   *produce.Produce

	// Exactly one of Minio or S3 is set, selected by BLOB_BACKEND
	Minio *MinioClient
	S3    *S3Client
}

var infraInstance *Infra

func InitInfra(cfg *config.Config) *Infra {
	if infraInstance != nil {
		return infraInstance
	}

	logger := InitLoggerClient(cfg.EnvConfig)
	if logger == nil {
		panic("Failed to initialize Logger service")
	}

	telemetry, err := InitTelemetryClient(cfg.EnvConfig)
	if err != nil {
		log.Printf("Warning: Failed to initialize telemetry: %v (metrics and traces disabled)", err)
		telemetry = &TelemetryClient{}
	}

	redis := InitRedisClient(cfg.EnvConfig)
	if redis == nil {
		panic("Failed to initialize Redis service")
	}

	postgres := InitPostgresClient(cfg.EnvConfig)
	if postgres == nil {
		panic("Failed to initialize Postgres service")
	}

	rabbitMQ := InitRabbitMQClient(cfg.EnvConfig)
	if rabbitMQ == nil {
		panic("Failed to initialize RabbitMQ service")
	}

	produceService := produce.InitProduce(rabbitMQ.Channel)
	if produceService == nil {
		panic("Failed to initialize Produce service")
	}

	infraInstance = &Infra{
		Redis:     redis,
		Postgres:  postgres,
		Logger:    logger,
		Telemetry: telemetry,
		RabbitMQ:  rabbitMQ,
		Produce:   produceService,
	}

	switch cfg.EnvConfig.BlobStore.Backend {
	case "s3":
		infraInstance.S3 = InitS3Client(cfg.EnvConfig)
	case "minio":
		infraInstance.Minio = InitMinioClient(cfg.EnvConfig)
	default:
		panic("Unknown blob store backend: " + cfg.EnvConfig.BlobStore.Backend)
	}

	return infraInstance
}

func (i *Infra) Close(ctx context.Context) {
	i.RabbitMQ.Close()
	_ = i.Redis.Close()
	if sqlDB, err := i.Postgres.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := i.Telemetry.Shutdown(ctx); err != nil {
		log.Printf("Warning: telemetry shutdown: %v", err)
	}
	i.Logger.Shutdown(ctx)
}
