package initializer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sethvargo/go-retry"

	awsx "dbstack/internal/aws"
	"dbstack/internal/domain"
	"dbstack/internal/logging"
	"dbstack/internal/secrets"
)

// Environment variables the deployed task reads.
const (
	EnvSecretName = "DB_SECRET_NAME"
	EnvTableName  = "TABLE_NAME"
)

// DefaultTimeout is the task's execution limit.
const DefaultTimeout = 30 * time.Second

// LambdaAPI is the subset of Lambda used to deploy and invoke the task.
type LambdaAPI interface {
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
	DeleteFunction(ctx context.Context, params *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
}

// S3API uploads code bundles to the asset bucket.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// RoleManager provides the task's execution role.
type RoleManager interface {
	EnsureLambdaRole(ctx context.Context, name string) (string, error)
	DeleteRole(ctx context.Context, name string) error
}

// TaskSpec describes the function to deploy.
type TaskSpec struct {
	FunctionName    string
	CodeDir         string
	Handler         string
	Runtime         string
	SubnetIDs       []string
	SecurityGroupID string
	Credential      domain.CredentialRef
	TableName       string
	Timeout         time.Duration
}

// RoleName is the execution role of the function.
func (s TaskSpec) RoleName() string {
	return s.FunctionName + "-role"
}

func (s TaskSpec) validate() error {
	cfgErr := &domain.ConfigError{}
	if s.FunctionName == "" {
		cfgErr.Add("function", "name is required")
	}
	if s.CodeDir == "" {
		cfgErr.Add("lambdaApisDirectory", "required")
	}
	if s.Handler == "" {
		cfgErr.Add("defaultHandler", "required")
	}
	if s.TableName == "" {
		cfgErr.Add("dbTableName", "required")
	}
	if err := cfgErr.OrNil(); err != nil {
		return err
	}
	switch {
	case s.Credential.IsZero():
		return fmt.Errorf("%w: task %s needs an issued credential", domain.ErrOrdering, s.FunctionName)
	case len(s.SubnetIDs) == 0:
		return fmt.Errorf("%w: task %s needs provisioned egress subnets", domain.ErrOrdering, s.FunctionName)
	case s.SecurityGroupID == "":
		return fmt.Errorf("%w: task %s security group is not realised", domain.ErrOrdering, s.FunctionName)
	}
	return nil
}

// Deployment is what Deploy produced.
type Deployment struct {
	FunctionName string
	FunctionARN  string
	RoleARN      string
	CodeSha256   string
	Updated      bool
}

// Result is the outcome of one Trigger.
type Result struct {
	Hook    string           `json:"hook"`
	Token   string           `json:"token"`
	State   domain.HookState `json:"state"`
	Skipped bool             `json:"skipped"`
	Payload []byte           `json:"-"`
}

// Invoker deploys the initialization task and triggers it once per token.
type Invoker struct {
	lambda  LambdaAPI
	roles   RoleManager
	binding *secrets.Binding
	ledger  Ledger
	stack   string

	s3     S3API
	bucket string

	WaitTimeout time.Duration
	// RoleRetryBase is the first backoff while a new role propagates.
	RoleRetryBase time.Duration
}

// NewInvoker creates an invoker. Code is uploaded inline unless WithAssets
// is used.
func NewInvoker(lambdaClient LambdaAPI, roles RoleManager, binding *secrets.Binding, ledger Ledger, stack string) *Invoker {
	return &Invoker{
		lambda:        lambdaClient,
		roles:         roles,
		binding:       binding,
		ledger:        ledger,
		stack:         stack,
		WaitTimeout:   5 * time.Minute,
		RoleRetryBase: 2 * time.Second,
	}
}

// WithAssets uploads bundles to bucket instead of sending them inline.
func (i *Invoker) WithAssets(client S3API, bucket string) *Invoker {
	i.s3 = client
	i.bucket = bucket
	return i
}

// AssetKey is where the bundle of function is uploaded.
func (i *Invoker) AssetKey(function string) string {
	return fmt.Sprintf("%s/%s.zip", i.stack, function)
}

// Deploy packages and deploys the task, grants it read access to the
// credential and moves the hook to TaskDeployed.
func (i *Invoker) Deploy(ctx context.Context, hook Hook, spec TaskSpec) (*Deployment, error) {
	start := time.Now()
	logging.LogOperationStart("deploy-init-task", map[string]interface{}{
		"function": spec.FunctionName,
		"hook":     hook.Name,
	})
	dep, err := i.deploy(ctx, hook, spec)
	logging.LogOperationEnd("deploy-init-task", time.Since(start), err == nil, 1, boolToInt(dep != nil), err)
	return dep, err
}

func (i *Invoker) deploy(ctx context.Context, hook Hook, spec TaskSpec) (*Deployment, error) {
	if err := hook.Validate(); err != nil {
		return nil, err
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if spec.Timeout == 0 {
		spec.Timeout = DefaultTimeout
	}

	roleARN, err := i.roles.EnsureLambdaRole(ctx, spec.RoleName())
	if err != nil {
		return nil, err
	}
	principal := domain.Principal{Name: spec.FunctionName, RoleName: spec.RoleName()}
	if err := i.binding.Grant(ctx, spec.Credential, principal); err != nil {
		return nil, err
	}

	bundle, err := Package(spec.CodeDir)
	if err != nil {
		return nil, err
	}
	code, err := i.upload(ctx, spec.FunctionName, bundle)
	if err != nil {
		return nil, err
	}

	dep, err := i.ensureFunction(ctx, spec, roleARN, code, bundle)
	if err != nil {
		return nil, err
	}
	if err := NewMachine(i.ledger, hook).Deployed(ctx); err != nil {
		return nil, err
	}
	return dep, nil
}

func (i *Invoker) upload(ctx context.Context, function string, bundle *Bundle) (*lambdatypes.FunctionCode, error) {
	if i.s3 == nil || i.bucket == "" {
		return &lambdatypes.FunctionCode{ZipFile: bundle.Zip}, nil
	}
	key := i.AssetKey(function)
	_, err := awsx.Track("s3:PutObject", func() (*s3.PutObjectOutput, error) {
		return i.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(i.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(bundle.Zip),
			ContentType: aws.String("application/zip"),
		})
	})
	if err != nil {
		return nil, awsx.ResourceFailure("s3-object/"+i.bucket+"/"+key, "put", err)
	}
	logging.LogResourceOperation("s3-object/"+i.bucket+"/"+key, "upload", true, nil)
	return &lambdatypes.FunctionCode{S3Bucket: aws.String(i.bucket), S3Key: aws.String(key)}, nil
}

func (i *Invoker) ensureFunction(ctx context.Context, spec TaskSpec, roleARN string, code *lambdatypes.FunctionCode, bundle *Bundle) (*Deployment, error) {
	resource := "function/" + spec.FunctionName
	env := &lambdatypes.Environment{Variables: map[string]string{
		EnvSecretName: spec.Credential.Name,
		EnvTableName:  spec.TableName,
	}}
	vpc := &lambdatypes.VpcConfig{SubnetIds: spec.SubnetIDs, SecurityGroupIds: []string{spec.SecurityGroupID}}
	timeout := aws.Int32(int32(spec.Timeout / time.Second))

	existing, err := i.lambda.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(spec.FunctionName)})
	if err != nil && !awsx.HasCode(err, "ResourceNotFoundException") {
		return nil, awsx.ResourceFailure(resource, "describe", err)
	}

	if err != nil {
		in := &lambda.CreateFunctionInput{
			FunctionName: aws.String(spec.FunctionName),
			Role:         aws.String(roleARN),
			Code:         code,
			Handler:      aws.String(spec.Handler),
			Runtime:      lambdatypes.Runtime(spec.Runtime),
			Timeout:      timeout,
			Environment:  env,
			VpcConfig:    vpc,
			Description:  aws.String("One-shot database initialization"),
			Tags: map[string]string{
				domain.TagStack:     i.stack,
				domain.TagLogicalID: resource,
			},
		}
		var out *lambda.CreateFunctionOutput
		backoff := retry.WithMaxRetries(5, retry.NewExponential(i.RoleRetryBase))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			var err error
			out, err = awsx.Track("lambda:CreateFunction", func() (*lambda.CreateFunctionOutput, error) {
				return i.lambda.CreateFunction(ctx, in)
			})
			if rolePropagating(err) {
				logging.LogDebug("Execution role not assumable yet, retrying", map[string]interface{}{"function": spec.FunctionName})
				return retry.RetryableError(err)
			}
			return err
		})
		if err != nil {
			return nil, awsx.ResourceFailure(resource, "create", err)
		}
		if err := i.waitActive(ctx, spec.FunctionName); err != nil {
			return nil, err
		}
		logging.LogResourceOperation(resource, "create", true, nil)
		return &Deployment{
			FunctionName: spec.FunctionName,
			FunctionARN:  aws.ToString(out.FunctionArn),
			RoleARN:      roleARN,
			CodeSha256:   bundle.Sha256,
			Updated:      true,
		}, nil
	}

	dep := &Deployment{
		FunctionName: spec.FunctionName,
		FunctionARN:  aws.ToString(existing.Configuration.FunctionArn),
		RoleARN:      roleARN,
		CodeSha256:   bundle.Sha256,
	}
	if aws.ToString(existing.Configuration.CodeSha256) != bundle.Sha256 {
		_, err := awsx.Track("lambda:UpdateFunctionCode", func() (*lambda.UpdateFunctionCodeOutput, error) {
			return i.lambda.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
				FunctionName: aws.String(spec.FunctionName),
				ZipFile:      code.ZipFile,
				S3Bucket:     code.S3Bucket,
				S3Key:        code.S3Key,
			})
		})
		if err != nil {
			return nil, awsx.ResourceFailure(resource, "update-code", err)
		}
		if err := i.waitUpdated(ctx, spec.FunctionName); err != nil {
			return nil, err
		}
		dep.Updated = true
	}

	_, err = awsx.Track("lambda:UpdateFunctionConfiguration", func() (*lambda.UpdateFunctionConfigurationOutput, error) {
		return i.lambda.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
			FunctionName: aws.String(spec.FunctionName),
			Role:         aws.String(roleARN),
			Handler:      aws.String(spec.Handler),
			Runtime:      lambdatypes.Runtime(spec.Runtime),
			Timeout:      timeout,
			Environment:  env,
			VpcConfig:    vpc,
		})
	})
	if err != nil {
		return nil, awsx.ResourceFailure(resource, "update-configuration", err)
	}
	if err := i.waitUpdated(ctx, spec.FunctionName); err != nil {
		return nil, err
	}
	logging.LogResourceOperation(resource, "update", true, nil)
	return dep, nil
}

func rolePropagating(err error) bool {
	return awsx.HasCode(err, "InvalidParameterValueException") && strings.Contains(err.Error(), "cannot be assumed")
}

func (i *Invoker) waitActive(ctx context.Context, function string) error {
	waiter := lambda.NewFunctionActiveV2Waiter(i.lambda)
	if err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(function)}, i.WaitTimeout); err != nil {
		return awsx.ResourceFailure("function/"+function, "wait-active", err)
	}
	return nil
}

func (i *Invoker) waitUpdated(ctx context.Context, function string) error {
	waiter := lambda.NewFunctionUpdatedV2Waiter(i.lambda)
	if err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(function)}, i.WaitTimeout); err != nil {
		return awsx.ResourceFailure("function/"+function, "wait-updated", err)
	}
	return nil
}

// Trigger invokes function for hook unless its token already completed. A
// function error moves the hook to Failed and is returned.
func (i *Invoker) Trigger(ctx context.Context, hook Hook, function string) (*Result, error) {
	if err := hook.Validate(); err != nil {
		return nil, err
	}
	machine := NewMachine(i.ledger, hook)
	result := &Result{Hook: hook.Name, Token: hook.Token}

	claimed, err := machine.Claim(ctx)
	if err != nil {
		return nil, err
	}
	if !claimed {
		logging.LogInfo("Hook already complete for token, skipping", map[string]interface{}{
			"hook":  hook.Name,
			"token": hook.Token,
		})
		result.State = domain.HookComplete
		result.Skipped = true
		return result, nil
	}

	resource := "function/" + function
	payload, err := json.Marshal(Event{Hook: hook.Name, Token: hook.Token})
	if err != nil {
		return nil, err
	}
	out, err := awsx.Track("lambda:Invoke", func() (*lambda.InvokeOutput, error) {
		return i.lambda.Invoke(ctx, &lambda.InvokeInput{
			FunctionName:   aws.String(function),
			InvocationType: lambdatypes.InvocationTypeRequestResponse,
			Payload:        payload,
		})
	})
	if err != nil {
		failure := awsx.ResourceFailure(resource, "invoke", err)
		if moveErr := machine.Move(ctx, domain.HookFailed, err.Error()); moveErr != nil {
			logging.LogError("Failed to record hook failure", moveErr, map[string]interface{}{"hook": hook.Name})
		}
		return nil, failure
	}
	if out.FunctionError != nil {
		reason := fmt.Sprintf("%s: %s", aws.ToString(out.FunctionError), out.Payload)
		if err := machine.Move(ctx, domain.HookFailed, reason); err != nil {
			return nil, err
		}
		return nil, &domain.ResourceError{Resource: resource, Op: "invoke", Err: fmt.Errorf("function error %s", reason)}
	}

	if err := machine.Move(ctx, domain.HookComplete, ""); err != nil {
		return nil, err
	}
	result.State = domain.HookComplete
	result.Payload = out.Payload
	return result, nil
}

// Destroy deletes the function, its role and any uploaded bundle.
func (i *Invoker) Destroy(ctx context.Context, function string) error {
	_, err := i.lambda.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(function)})
	if err != nil && !awsx.HasCode(err, "ResourceNotFoundException") {
		return awsx.ResourceFailure("function/"+function, "delete", err)
	}
	if err := i.roles.DeleteRole(ctx, TaskSpec{FunctionName: function}.RoleName()); err != nil {
		return err
	}
	if i.s3 != nil && i.bucket != "" {
		key := i.AssetKey(function)
		if _, err := i.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(i.bucket), Key: aws.String(key)}); err != nil {
			return awsx.ResourceFailure("s3-object/"+i.bucket+"/"+key, "delete", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
