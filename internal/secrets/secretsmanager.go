package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	awsx "dbstack/internal/aws"
	"dbstack/internal/domain"
)

// SecretsManagerAPI is the subset of Secrets Manager the backend calls.
type SecretsManagerAPI interface {
	GetRandomPassword(ctx context.Context, params *secretsmanager.GetRandomPasswordInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetRandomPasswordOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// KMSAPI resolves a key alias to a key ARN.
type KMSAPI interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// SecretsManagerBackend stores secrets in AWS Secrets Manager. Access control
// is IAM's: a principal without a grant gets AccessDeniedException, which is
// classified as domain.ErrAccessDenied.
type SecretsManagerBackend struct {
	client SecretsManagerAPI
	kms    KMSAPI
	stack  string

	// KeyAlias, when set, encrypts new secrets with that customer managed key.
	KeyAlias string

	keyOnce sync.Once
	keyARN  string
	keyErr  error
}

// NewSecretsManagerBackend creates a backend tagging secrets with stack. kmsClient
// may be nil when no key alias is configured.
func NewSecretsManagerBackend(client SecretsManagerAPI, kmsClient KMSAPI, stack string) *SecretsManagerBackend {
	return &SecretsManagerBackend{client: client, kms: kmsClient, stack: stack}
}

// KeyARN resolves KeyAlias once. It returns "" without an alias.
func (b *SecretsManagerBackend) KeyARN(ctx context.Context) (string, error) {
	if b.KeyAlias == "" {
		return "", nil
	}
	b.keyOnce.Do(func() {
		if b.kms == nil {
			b.keyErr = domain.Configf("secretKmsKeyAlias", "no KMS client for alias %s", b.KeyAlias)
			return
		}
		out, err := awsx.Track("kms:DescribeKey", func() (*kms.DescribeKeyOutput, error) {
			return b.kms.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(b.KeyAlias)})
		})
		if err != nil {
			b.keyErr = awsx.ResourceFailure(b.KeyAlias, "describe-key", err)
			return
		}
		b.keyARN = aws.ToString(out.KeyMetadata.Arn)
	})
	return b.keyARN, b.keyErr
}

func (b *SecretsManagerBackend) RandomPassword(ctx context.Context, length int, exclude string) (string, error) {
	out, err := awsx.Track("secretsmanager:GetRandomPassword", func() (*secretsmanager.GetRandomPasswordOutput, error) {
		return b.client.GetRandomPassword(ctx, &secretsmanager.GetRandomPasswordInput{
			PasswordLength:    aws.Int64(int64(length)),
			ExcludeCharacters: aws.String(exclude),
		})
	})
	if err != nil {
		return "", awsx.ResourceFailure("random-password", "generate", err)
	}
	return aws.ToString(out.RandomPassword), nil
}

func (b *SecretsManagerBackend) Create(ctx context.Context, name, description string, value []byte) (domain.CredentialRef, error) {
	keyARN, err := b.KeyARN(ctx)
	if err != nil {
		return domain.CredentialRef{}, err
	}

	in := &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		Description:  aws.String(description),
		SecretString: aws.String(string(value)),
		Tags: []smtypes.Tag{
			{Key: aws.String(domain.TagStack), Value: aws.String(b.stack)},
			{Key: aws.String(domain.TagLogicalID), Value: aws.String("secret/" + name)},
		},
	}
	if keyARN != "" {
		in.KmsKeyId = aws.String(keyARN)
	}

	out, err := awsx.Track("secretsmanager:CreateSecret", func() (*secretsmanager.CreateSecretOutput, error) {
		return b.client.CreateSecret(ctx, in)
	})
	if awsx.HasCode(err, "ResourceExistsException") {
		return domain.CredentialRef{}, fmt.Errorf("%w: %s", ErrExists, name)
	}
	if err != nil {
		return domain.CredentialRef{}, awsx.ResourceFailure("secret/"+name, "create", err)
	}
	return domain.CredentialRef{Name: aws.ToString(out.Name), ARN: aws.ToString(out.ARN)}, nil
}

func (b *SecretsManagerBackend) Describe(ctx context.Context, name string) (domain.CredentialRef, error) {
	out, err := awsx.Track("secretsmanager:DescribeSecret", func() (*secretsmanager.DescribeSecretOutput, error) {
		return b.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(name)})
	})
	if err != nil {
		return domain.CredentialRef{}, notFound(name, "describe", err)
	}
	return domain.CredentialRef{Name: aws.ToString(out.Name), ARN: aws.ToString(out.ARN)}, nil
}

func (b *SecretsManagerBackend) Value(ctx context.Context, ref domain.CredentialRef) ([]byte, error) {
	out, err := awsx.Track("secretsmanager:GetSecretValue", func() (*secretsmanager.GetSecretValueOutput, error) {
		return b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(ref.ID())})
	})
	if err != nil {
		return nil, notFound(ref.Name, "get-value", err)
	}
	if out.SecretString != nil {
		return []byte(aws.ToString(out.SecretString)), nil
	}
	return out.SecretBinary, nil
}

func (b *SecretsManagerBackend) Put(ctx context.Context, ref domain.CredentialRef, value []byte) error {
	_, err := awsx.Track("secretsmanager:PutSecretValue", func() (*secretsmanager.PutSecretValueOutput, error) {
		return b.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:     aws.String(ref.ID()),
			SecretString: aws.String(string(value)),
		})
	})
	if err != nil {
		return notFound(ref.Name, "put-value", err)
	}
	return nil
}

func (b *SecretsManagerBackend) Delete(ctx context.Context, ref domain.CredentialRef) error {
	_, err := awsx.Track("secretsmanager:DeleteSecret", func() (*secretsmanager.DeleteSecretOutput, error) {
		return b.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
			SecretId:                   aws.String(ref.ID()),
			ForceDeleteWithoutRecovery: aws.Bool(true),
		})
	})
	if awsx.HasCode(err, "ResourceNotFoundException") {
		return nil
	}
	if err != nil {
		return awsx.ResourceFailure("secret/"+ref.Name, "delete", err)
	}
	return nil
}

func notFound(name, op string, err error) error {
	if awsx.HasCode(err, "ResourceNotFoundException") {
		return &domain.ResourceError{Resource: "secret/" + name, Op: op, Err: domain.ErrSecretNotFound}
	}
	return awsx.ResourceFailure("secret/"+name, op, err)
}
