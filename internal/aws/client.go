package aws

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"dbstack/internal/logging"
)

// EndpointEnv overrides the endpoint of every client (localstack, VPC endpoints).
const EndpointEnv = "AWS_ENDPOINT"

var (
	clientCache = make(map[string]interface{})
	cacheMutex  sync.RWMutex
	baseConfig  *aws.Config
	configMutex sync.Mutex
)

// LoadConfig loads the shared SDK configuration once per process.
func LoadConfig(ctx context.Context) (aws.Config, error) {
	configMutex.Lock()
	defer configMutex.Unlock()

	if baseConfig != nil {
		return *baseConfig, nil
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(5),
		config.WithRetryer(func() aws.Retryer {
			return retry.NewAdaptiveMode(func(o *retry.AdaptiveModeOptions) {
				o.StandardOptions = append(o.StandardOptions, func(so *retry.StandardOptions) {
					so.MaxBackoff = 30 * time.Second
				})
			})
		}),
	}
	if endpoint := os.Getenv(EndpointEnv); endpoint != "" {
		logging.LogDebug("Using endpoint override", map[string]interface{}{"endpoint": endpoint})
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	baseConfig = &cfg
	return cfg, nil
}

// GetAWSClient returns a cached AWS client for a service
func GetAWSClient(ctx context.Context, service string) (interface{}, error) {
	cacheMutex.RLock()
	if client, ok := clientCache[service]; ok {
		cacheMutex.RUnlock()
		return client, nil
	}
	cacheMutex.RUnlock()

	cacheMutex.Lock()
	defer cacheMutex.Unlock()

	if client, ok := clientCache[service]; ok {
		return client, nil
	}

	cfg, err := LoadConfig(ctx)
	if err != nil {
		return nil, err
	}

	var client interface{}
	switch service {
	case "rds":
		client = rds.NewFromConfig(cfg)
	case "dynamodb":
		client = dynamodb.NewFromConfig(cfg)
	case "s3":
		client = s3.NewFromConfig(cfg)
	case "iam":
		client = iam.NewFromConfig(cfg)
	case "ec2":
		client = ec2.NewFromConfig(cfg)
	case "lambda":
		client = lambdasvc.NewFromConfig(cfg)
	case "sts":
		client = sts.NewFromConfig(cfg)
	case "ssm":
		client = ssm.NewFromConfig(cfg)
	case "kms":
		client = kms.NewFromConfig(cfg)
	case "secretsmanager":
		client = secretsmanager.NewFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unknown service: %s", service)
	}
	logging.LogDebug(fmt.Sprintf("Created %s client", service), map[string]interface{}{"region": cfg.Region})

	clientCache[service] = client
	return client, nil
}
