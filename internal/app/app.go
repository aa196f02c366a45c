// Package app builds the database stack from live AWS clients.
package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	iamsvc "github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	awsx "dbstack/internal/aws"
	"dbstack/internal/bastion"
	"dbstack/internal/config"
	"dbstack/internal/connectivity"
	"dbstack/internal/database"
	"dbstack/internal/iam"
	"dbstack/internal/initializer"
	"dbstack/internal/logging"
	"dbstack/internal/network"
	"dbstack/internal/secrets"
	"dbstack/internal/stack"
)

// EC2API is everything the stack asks of EC2.
type EC2API interface {
	network.EC2API
	connectivity.EC2API
	bastion.EC2API
}

// STSAPI answers the credential preflight.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Services are the provider clients the stack is built from. S3 and KMS are
// only used when the asset bucket or the key alias is configured.
type Services struct {
	Region string
	// Offline builds a stack that can plan and render but never calls AWS,
	// so no client is required.
	Offline bool

	EC2            EC2API
	RDS            database.RDSAPI
	IAM            iam.API
	Lambda         initializer.LambdaAPI
	DynamoDB       initializer.DynamoDBAPI
	SecretsManager secrets.SecretsManagerAPI
	SSM            bastion.SSMAPI
	S3             initializer.S3API
	KMS            secrets.KMSAPI
	STS            STSAPI
}

// NewServices initializes every client from the shared SDK configuration.
// Credentials come from the standard chain (env vars, IAM role, SSO profile).
func NewServices(ctx context.Context) (*Services, error) {
	cfg, err := awsx.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	svc := &Services{Region: cfg.Region}

	clients := []struct {
		name   string
		assign func(interface{})
	}{
		{"ec2", func(c interface{}) { svc.EC2 = c.(*ec2.Client) }},
		{"rds", func(c interface{}) { svc.RDS = c.(*rds.Client) }},
		{"iam", func(c interface{}) { svc.IAM = c.(*iamsvc.Client) }},
		{"lambda", func(c interface{}) { svc.Lambda = c.(*lambda.Client) }},
		{"dynamodb", func(c interface{}) { svc.DynamoDB = c.(*dynamodb.Client) }},
		{"secretsmanager", func(c interface{}) { svc.SecretsManager = c.(*secretsmanager.Client) }},
		{"ssm", func(c interface{}) { svc.SSM = c.(*ssm.Client) }},
		{"s3", func(c interface{}) { svc.S3 = c.(*s3.Client) }},
		{"kms", func(c interface{}) { svc.KMS = c.(*kms.Client) }},
		{"sts", func(c interface{}) { svc.STS = c.(*sts.Client) }},
	}
	for _, c := range clients {
		client, err := awsx.GetAWSClient(ctx, c.name)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s client: %w", c.name, err)
		}
		c.assign(client)
	}
	return svc, nil
}

// Preflight verifies the credentials before anything is touched and returns
// the account ID.
func (s *Services) Preflight(ctx context.Context) (string, error) {
	out, err := awsx.Track("sts:GetCallerIdentity", func() (*sts.GetCallerIdentityOutput, error) {
		return s.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	})
	if err != nil {
		return "", fmt.Errorf("AWS credential check failed (ensure valid credentials via env vars, IAM role, or SSO): %w",
			awsx.ResourceFailure("caller-identity", "get", err))
	}
	if out == nil || out.Account == nil {
		return "", fmt.Errorf("empty account ID in response")
	}
	logging.LogInfo("AWS credentials verified", map[string]interface{}{
		"account": aws.ToString(out.Account),
		"region":  s.Region,
	})
	return aws.ToString(out.Account), nil
}

// Build wires the stack components over svc.
func Build(cfg *config.StackConfig, svc *Services) (*stack.DatabaseStack, error) {
	backend := secrets.NewSecretsManagerBackend(svc.SecretsManager, svc.KMS, cfg.StackName)
	backend.KeyAlias = cfg.SecretKMSKeyAlias

	roles := iam.NewRoles(svc.IAM, cfg.StackName)
	binding := secrets.NewBinding(backend, roles)
	ledger := initializer.NewDynamoLedger(svc.DynamoDB, cfg.HookLedgerTable, cfg.StackName)

	invoker := initializer.NewInvoker(svc.Lambda, roles, binding, ledger, cfg.StackName)
	if cfg.AssetBucket != "" && !svc.Offline {
		if svc.S3 == nil {
			return nil, fmt.Errorf("assetBucket %s is set but no S3 client is available", cfg.AssetBucket)
		}
		invoker.WithAssets(svc.S3, cfg.AssetBucket)
	}

	c := stack.Components{
		Network:      network.NewProvisioner(svc.EC2, cfg.StackName),
		Credentials:  binding,
		Connectivity: connectivity.NewRealiser(svc.EC2, cfg.StackName, svc.Region),
		Cluster:      database.NewProvisioner(svc.RDS, secrets.NewResolver(backend), cfg.StackName),
		Bastion:      bastion.NewHost(svc.EC2, svc.SSM, binding, cfg.StackName),
		Hooks:        ledger,
		Invoker:      invoker,
	}
	if cfg.SecretKMSKeyAlias != "" {
		c.Keys = backend
	}
	return stack.NewDatabaseStack(cfg, c)
}
