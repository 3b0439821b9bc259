// Package client builds an aws-sdk-go-v2 S3 client pointed at a simples3
// server, for use by integration tests and example tooling. It deliberately
// does not hand-roll request signing: SigV4 is security-critical wire
// compatibility, so it goes through the real SDK signer rather than a
// reimplementation.
package client

import (
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the settings needed to reach a simples3 server.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Timeout   time.Duration
}

// New returns an aws-sdk-go-v2 S3 client configured to talk to a simples3
// server at cfg.Endpoint using path-style addressing.
func New(cfg Config) (*s3.Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return s3.New(s3.Options{
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		Region:       cfg.Region,
		UsePathStyle: true,
		BaseEndpoint: aws.String(cfg.Endpoint),
		HTTPClient:   &http.Client{Timeout: cfg.Timeout},
	}), nil
}
