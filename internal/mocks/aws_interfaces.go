// Package mocks provides mock implementations of AWS service clients for testing.
package mocks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// =============================================================================
// Mock KMS Client
// =============================================================================

// MockKMSClient is a mock implementation of the KMS client for testing.
type MockKMSClient struct {
	// DescribeKeyFunc is called when DescribeKey is invoked.
	DescribeKeyFunc func(
		ctx context.Context,
		params *kms.DescribeKeyInput,
		optFns ...func(*kms.Options),
	) (*kms.DescribeKeyOutput, error)

	// Aliases maps "alias/<name>" to a key ID for the default behavior.
	Aliases map[string]string

	// Call counts for verification
	DescribeKeyCallCount int
}

// DescribeKey implements the key lookup used for secret and cluster encryption.
func (m *MockKMSClient) DescribeKey(
	ctx context.Context,
	params *kms.DescribeKeyInput,
	optFns ...func(*kms.Options),
) (*kms.DescribeKeyOutput, error) {
	m.DescribeKeyCallCount++
	if m.DescribeKeyFunc != nil {
		return m.DescribeKeyFunc(ctx, params, optFns...)
	}
	keyID, ok := m.Aliases[aws.ToString(params.KeyId)]
	if !ok {
		return nil, APIError("NotFoundException", "Alias "+aws.ToString(params.KeyId)+" is not found.")
	}
	return &kms.DescribeKeyOutput{KeyMetadata: &kmstypes.KeyMetadata{
		KeyId:    aws.String(keyID),
		Arn:      aws.String("arn:aws:kms:us-east-1:123456789012:key/" + keyID),
		KeyState: kmstypes.KeyStateEnabled,
	}}, nil
}

// Reset clears all call counts.
func (m *MockKMSClient) Reset() {
	m.DescribeKeyCallCount = 0
}

// NewMockKMSClientWithAlias returns a client resolving one alias.
func NewMockKMSClientWithAlias(alias, keyID string) *MockKMSClient {
	return &MockKMSClient{Aliases: map[string]string{alias: keyID}}
}

// =============================================================================
// Mock SSM Client
// =============================================================================

// MockSSMClient is a mock implementation of the SSM client for testing.
type MockSSMClient struct {
	// GetParameterFunc is called when GetParameter is invoked.
	GetParameterFunc func(
		ctx context.Context,
		params *ssm.GetParameterInput,
		optFns ...func(*ssm.Options),
	) (*ssm.GetParameterOutput, error)

	// Parameters backs the default behavior.
	Parameters map[string]string

	// Call counts for verification
	GetParameterCallCount int
}

// GetParameter implements the public parameter lookup used for AMI resolution.
func (m *MockSSMClient) GetParameter(
	ctx context.Context,
	params *ssm.GetParameterInput,
	optFns ...func(*ssm.Options),
) (*ssm.GetParameterOutput, error) {
	m.GetParameterCallCount++
	if m.GetParameterFunc != nil {
		return m.GetParameterFunc(ctx, params, optFns...)
	}
	name := aws.ToString(params.Name)
	value, ok := m.Parameters[name]
	if !ok {
		return nil, APIError("ParameterNotFound", name)
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{
		Name:  aws.String(name),
		Value: aws.String(value),
		Type:  ssmtypes.ParameterTypeString,
	}}, nil
}

// Reset clears all call counts.
func (m *MockSSMClient) Reset() {
	m.GetParameterCallCount = 0
}

// NewMockSSMClientWithParameter returns a client holding one parameter.
func NewMockSSMClientWithParameter(name, value string) *MockSSMClient {
	return &MockSSMClient{Parameters: map[string]string{name: value}}
}

// =============================================================================
// Mock S3 Client
// =============================================================================

// MockS3Client is a mock implementation of the S3 client for code asset uploads.
type MockS3Client struct {
	mu sync.Mutex

	// PutObjectFunc is called when PutObject is invoked.
	PutObjectFunc func(
		ctx context.Context,
		params *s3.PutObjectInput,
		optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)

	// Objects holds uploaded bodies by "bucket/key".
	Objects map[string][]byte

	// Call counts for verification
	PutObjectCallCount    int
	DeleteObjectCallCount int
}

// NewMockS3Client returns an empty bucket store.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{Objects: make(map[string][]byte)}
}

// PutObject implements the asset upload.
func (m *MockS3Client) PutObject(
	ctx context.Context,
	params *s3.PutObjectInput,
	optFns ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCallCount++
	if m.PutObjectFunc != nil {
		return m.PutObjectFunc(ctx, params, optFns...)
	}
	var body []byte
	if params.Body != nil {
		b, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}
	m.Objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = body
	return &s3.PutObjectOutput{ETag: aws.String(fmt.Sprintf("%q", "etag"))}, nil
}

// DeleteObject removes an uploaded asset.
func (m *MockS3Client) DeleteObject(
	ctx context.Context,
	params *s3.DeleteObjectInput,
	optFns ...func(*s3.Options),
) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteObjectCallCount++
	delete(m.Objects, aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// Reset clears all call counts.
func (m *MockS3Client) Reset() {
	m.PutObjectCallCount = 0
	m.DeleteObjectCallCount = 0
}

// =============================================================================
// Mock STS Client
// =============================================================================

// MockSTSClient answers GetCallerIdentity for preflight checks.
type MockSTSClient struct {
	// GetCallerIdentityFunc is called when GetCallerIdentity is invoked.
	GetCallerIdentityFunc func(
		ctx context.Context,
		params *sts.GetCallerIdentityInput,
		optFns ...func(*sts.Options),
	) (*sts.GetCallerIdentityOutput, error)

	// Call counts for verification
	GetCallerIdentityCallCount int
}

// GetCallerIdentity implements the preflight identity check.
func (m *MockSTSClient) GetCallerIdentity(
	ctx context.Context,
	params *sts.GetCallerIdentityInput,
	optFns ...func(*sts.Options),
) (*sts.GetCallerIdentityOutput, error) {
	m.GetCallerIdentityCallCount++
	if m.GetCallerIdentityFunc != nil {
		return m.GetCallerIdentityFunc(ctx, params, optFns...)
	}
	return &sts.GetCallerIdentityOutput{
		Account: aws.String("123456789012"),
		Arn:     aws.String("arn:aws:iam::123456789012:user/deployer"),
		UserId:  aws.String("AIDAEXAMPLE"),
	}, nil
}
