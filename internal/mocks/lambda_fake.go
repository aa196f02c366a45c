package mocks

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// =============================================================================
// FakeLambda - in-memory functions with a pluggable handler
// =============================================================================

// FakeFunction is one deployed function.
type FakeFunction struct {
	Config lambdatypes.FunctionConfiguration
	Code   lambdatypes.FunctionCode
	Tags   map[string]string
}

// FakeLambda keeps functions in memory. Invoke runs Handler; a handler error
// is reported the way Lambda reports an unhandled function error.
type FakeLambda struct {
	mu sync.Mutex

	Errors    map[string]error
	Calls     map[string]int
	Functions map[string]*FakeFunction

	// Handler runs on every Invoke. nil returns an empty JSON object.
	Handler func(ctx context.Context, payload []byte) ([]byte, error)
	// Payloads records every invocation payload in order.
	Payloads [][]byte
}

// NewFakeLambda returns an empty fake.
func NewFakeLambda() *FakeLambda {
	return &FakeLambda{
		Errors:    make(map[string]error),
		Calls:     make(map[string]int),
		Functions: make(map[string]*FakeFunction),
	}
}

// CodeSha256 is how Lambda reports a zip package: base64 of its SHA-256.
func CodeSha256(zip []byte) string {
	sum := sha256.Sum256(zip)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (f *FakeLambda) call(op string) error {
	f.Calls[op]++
	return f.Errors[op]
}

func (f *FakeLambda) function(name string) (*FakeFunction, error) {
	fn, ok := f.Functions[name]
	if !ok {
		return nil, APIError("ResourceNotFoundException", "Function not found: "+name)
	}
	return fn, nil
}

func (f *FakeLambda) GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetFunction"); err != nil {
		return nil, err
	}
	fn, err := f.function(aws.ToString(params.FunctionName))
	if err != nil {
		return nil, err
	}
	cfg := fn.Config
	return &lambda.GetFunctionOutput{Configuration: &cfg, Tags: fn.Tags}, nil
}

func (f *FakeLambda) CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateFunction"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.FunctionName)
	if _, ok := f.Functions[name]; ok {
		return nil, APIError("ResourceConflictException", "Function already exist: "+name)
	}
	fn := &FakeFunction{
		Config: lambdatypes.FunctionConfiguration{
			FunctionName:     params.FunctionName,
			FunctionArn:      aws.String("arn:aws:lambda:us-east-1:123456789012:function:" + name),
			Role:             params.Role,
			Handler:          params.Handler,
			Runtime:          params.Runtime,
			Timeout:          params.Timeout,
			State:            lambdatypes.StateActive,
			LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful,
		},
		Tags: params.Tags,
	}
	if params.Code != nil {
		fn.Code = *params.Code
		if len(params.Code.ZipFile) > 0 {
			fn.Config.CodeSha256 = aws.String(CodeSha256(params.Code.ZipFile))
		}
	}
	applyFunctionConfig(&fn.Config, params.Environment, params.VpcConfig)
	f.Functions[name] = fn
	cfg := fn.Config
	return &lambda.CreateFunctionOutput{
		FunctionName:     cfg.FunctionName,
		FunctionArn:      cfg.FunctionArn,
		Role:             cfg.Role,
		Handler:          cfg.Handler,
		Runtime:          cfg.Runtime,
		Timeout:          cfg.Timeout,
		CodeSha256:       cfg.CodeSha256,
		Environment:      cfg.Environment,
		VpcConfig:        cfg.VpcConfig,
		State:            cfg.State,
		LastUpdateStatus: cfg.LastUpdateStatus,
	}, nil
}

func applyFunctionConfig(cfg *lambdatypes.FunctionConfiguration, env *lambdatypes.Environment, vpc *lambdatypes.VpcConfig) {
	if env != nil {
		cfg.Environment = &lambdatypes.EnvironmentResponse{Variables: env.Variables}
	}
	if vpc != nil {
		cfg.VpcConfig = &lambdatypes.VpcConfigResponse{SubnetIds: vpc.SubnetIds, SecurityGroupIds: vpc.SecurityGroupIds}
	}
}

func (f *FakeLambda) UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("UpdateFunctionCode"); err != nil {
		return nil, err
	}
	fn, err := f.function(aws.ToString(params.FunctionName))
	if err != nil {
		return nil, err
	}
	fn.Code = lambdatypes.FunctionCode{ZipFile: params.ZipFile, S3Bucket: params.S3Bucket, S3Key: params.S3Key}
	fn.Config.CodeSha256 = nil
	if len(params.ZipFile) > 0 {
		fn.Config.CodeSha256 = aws.String(CodeSha256(params.ZipFile))
	}
	return &lambda.UpdateFunctionCodeOutput{FunctionName: fn.Config.FunctionName, LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful}, nil
}

func (f *FakeLambda) UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("UpdateFunctionConfiguration"); err != nil {
		return nil, err
	}
	fn, err := f.function(aws.ToString(params.FunctionName))
	if err != nil {
		return nil, err
	}
	if params.Role != nil {
		fn.Config.Role = params.Role
	}
	if params.Handler != nil {
		fn.Config.Handler = params.Handler
	}
	if params.Runtime != "" {
		fn.Config.Runtime = params.Runtime
	}
	if params.Timeout != nil {
		fn.Config.Timeout = params.Timeout
	}
	applyFunctionConfig(&fn.Config, params.Environment, params.VpcConfig)
	return &lambda.UpdateFunctionConfigurationOutput{FunctionName: fn.Config.FunctionName, LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful}, nil
}

func (f *FakeLambda) Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	f.mu.Lock()
	if err := f.call("Invoke"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if _, err := f.function(aws.ToString(params.FunctionName)); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.Payloads = append(f.Payloads, params.Payload)
	handler := f.Handler
	f.mu.Unlock()

	if handler == nil {
		return &lambda.InvokeOutput{StatusCode: 200, Payload: []byte("{}")}, nil
	}
	out, err := handler(ctx, params.Payload)
	if err != nil {
		body, _ := json.Marshal(map[string]string{"errorMessage": err.Error(), "errorType": "errorString"})
		return &lambda.InvokeOutput{StatusCode: 200, FunctionError: aws.String("Unhandled"), Payload: body}, nil
	}
	return &lambda.InvokeOutput{StatusCode: 200, Payload: out}, nil
}

func (f *FakeLambda) DeleteFunction(ctx context.Context, params *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteFunction"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.FunctionName)
	if _, err := f.function(name); err != nil {
		return nil, err
	}
	delete(f.Functions, name)
	return &lambda.DeleteFunctionOutput{}, nil
}
