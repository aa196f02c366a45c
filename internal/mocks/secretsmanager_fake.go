package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// =============================================================================
// FakeSecretsManager - in-memory secret store
// =============================================================================

// FakeSecret is one stored secret.
type FakeSecret struct {
	ARN         string
	Name        string
	Description string
	KmsKeyID    string
	Value       string
	Versions    int
	Tags        []smtypes.Tag
}

// FakeSecretsManager keeps secrets by name. Errors[op] is returned instead of
// running op.
type FakeSecretsManager struct {
	mu sync.Mutex

	Errors  map[string]error
	Calls   map[string]int
	Secrets map[string]*FakeSecret

	// Password is returned by GetRandomPassword; empty means a generated one.
	Password string

	seq int
}

// NewFakeSecretsManager returns an empty store.
func NewFakeSecretsManager() *FakeSecretsManager {
	return &FakeSecretsManager{
		Errors:  make(map[string]error),
		Calls:   make(map[string]int),
		Secrets: make(map[string]*FakeSecret),
	}
}

func (f *FakeSecretsManager) call(op string) error {
	f.Calls[op]++
	return f.Errors[op]
}

func (f *FakeSecretsManager) lookup(id string) (*FakeSecret, error) {
	for _, s := range f.Secrets {
		if s.Name == id || s.ARN == id {
			return s, nil
		}
	}
	return nil, APIError("ResourceNotFoundException", "Secrets Manager can't find the specified secret.")
}

func (f *FakeSecretsManager) GetRandomPassword(ctx context.Context, params *secretsmanager.GetRandomPasswordInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetRandomPasswordOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetRandomPassword"); err != nil {
		return nil, err
	}
	password := f.Password
	if password == "" {
		f.seq++
		password = fmt.Sprintf("Pw%030d", f.seq)
	}
	if n := int(aws.ToInt64(params.PasswordLength)); n > 0 && len(password) > n {
		password = password[:n]
	}
	if strings.ContainsAny(password, aws.ToString(params.ExcludeCharacters)) {
		return nil, fmt.Errorf("fake password %q contains excluded characters", password)
	}
	return &secretsmanager.GetRandomPasswordOutput{RandomPassword: aws.String(password)}, nil
}

func (f *FakeSecretsManager) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateSecret"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.Name)
	if _, ok := f.Secrets[name]; ok {
		return nil, APIError("ResourceExistsException", "The operation failed because the secret "+name+" already exists.")
	}
	f.seq++
	s := &FakeSecret{
		ARN:         fmt.Sprintf("arn:aws:secretsmanager:us-east-1:123456789012:secret:%s-%06d", name, f.seq),
		Name:        name,
		Description: aws.ToString(params.Description),
		KmsKeyID:    aws.ToString(params.KmsKeyId),
		Value:       aws.ToString(params.SecretString),
		Versions:    1,
		Tags:        params.Tags,
	}
	f.Secrets[name] = s
	return &secretsmanager.CreateSecretOutput{ARN: aws.String(s.ARN), Name: aws.String(name), VersionId: aws.String("v1")}, nil
}

func (f *FakeSecretsManager) DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DescribeSecret"); err != nil {
		return nil, err
	}
	s, err := f.lookup(aws.ToString(params.SecretId))
	if err != nil {
		return nil, err
	}
	return &secretsmanager.DescribeSecretOutput{
		ARN:         aws.String(s.ARN),
		Name:        aws.String(s.Name),
		Description: aws.String(s.Description),
		KmsKeyId:    aws.String(s.KmsKeyID),
		Tags:        s.Tags,
	}, nil
}

func (f *FakeSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetSecretValue"); err != nil {
		return nil, err
	}
	s, err := f.lookup(aws.ToString(params.SecretId))
	if err != nil {
		return nil, err
	}
	return &secretsmanager.GetSecretValueOutput{
		ARN:          aws.String(s.ARN),
		Name:         aws.String(s.Name),
		SecretString: aws.String(s.Value),
		VersionId:    aws.String(fmt.Sprintf("v%d", s.Versions)),
	}, nil
}

func (f *FakeSecretsManager) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("PutSecretValue"); err != nil {
		return nil, err
	}
	s, err := f.lookup(aws.ToString(params.SecretId))
	if err != nil {
		return nil, err
	}
	s.Value = aws.ToString(params.SecretString)
	s.Versions++
	return &secretsmanager.PutSecretValueOutput{ARN: aws.String(s.ARN), Name: aws.String(s.Name)}, nil
}

func (f *FakeSecretsManager) DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteSecret"); err != nil {
		return nil, err
	}
	s, err := f.lookup(aws.ToString(params.SecretId))
	if err != nil {
		return nil, err
	}
	delete(f.Secrets, s.Name)
	return &secretsmanager.DeleteSecretOutput{ARN: aws.String(s.ARN), Name: aws.String(s.Name)}, nil
}
