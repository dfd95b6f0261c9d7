// Package awsclient builds AWS SDK configuration for reading log buckets,
// optionally through an assumed IAM role.
package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
)

// DefaultRoleSessionName is used when a role is assumed without a session name.
const DefaultRoleSessionName = "aws-log-parser-session"

// Config holds the session parameters. Every field is optional.
type Config struct {
	Region          string `mapstructure:"region"`
	Profile         string `mapstructure:"profile"`
	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`
	// Endpoint overrides the S3 endpoint, e.g. for LocalStack.
	Endpoint string `mapstructure:"endpoint"`
}

// Load resolves credentials through the SDK's default chain (environment,
// shared files, instance roles). When RoleARN is set, the resolved identity
// is used to assume that role and the temporary credentials are cached and
// refreshed by the SDK.
func Load(ctx context.Context, cfg Config, logger zerolog.Logger) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	if cfg.RoleARN == "" {
		return awsCfg, nil
	}

	sessionName := cfg.RoleSessionName
	if sessionName == "" {
		sessionName = DefaultRoleSessionName
	}

	logger.Debug().Str("role_arn", cfg.RoleARN).Str("session_name", sessionName).Msg("Assuming role.")
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName
		if cfg.ExternalID != "" {
			o.ExternalID = aws.String(cfg.ExternalID)
		}
	})
	awsCfg.Credentials = aws.NewCredentialsCache(provider)
	return awsCfg, nil
}

// NewS3Client creates an S3 client, honouring the endpoint override.
func NewS3Client(awsCfg aws.Config, cfg Config) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
}
