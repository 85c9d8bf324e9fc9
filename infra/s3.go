package infra

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/tnqbao/gau-forge/config"
)

// S3Client targets AWS S3 or any S3-compatible endpoint such as R2
type S3Client struct {
	Client  *s3.Client
	Presign *s3.PresignClient
}

func InitS3Client(cfg *config.EnvConfig) *S3Client {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3.Region),
	}
	if cfg.S3.AccessKey != "" && cfg.S3.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		panic(fmt.Sprintf("Failed to load AWS config: %v", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.S3.EndpointURL)
			o.UsePathStyle = true
		}
	})

	log.Println("S3 client configured for region", cfg.S3.Region)

	return &S3Client{
		Client:  client,
		Presign: s3.NewPresignClient(client),
	}
}
