package iam

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	awsx "dbstack/internal/aws"
	"dbstack/internal/domain"
	"dbstack/internal/logging"
)

// LambdaVPCAccessPolicyARN lets a function create its network interfaces and write logs.
const LambdaVPCAccessPolicyARN = "arn:aws:iam::aws:policy/service-role/AWSLambdaVPCAccessExecutionRole"

// LambdaService is the principal that runs functions.
const LambdaService = "lambda.amazonaws.com"

// API is the subset of IAM used for roles and grants.
type API interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	GetRolePolicy(ctx context.Context, params *iam.GetRolePolicyInput, optFns ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error)
	ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error)
	DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
}

var policyNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9+=,.@_-]`)

// Roles creates execution roles and grants them read access to secrets.
// It implements secrets.Granter.
type Roles struct {
	client API
	stack  string

	// KeyARN is added to every secret grant as a kms:Decrypt resource.
	KeyARN string
}

// NewRoles creates a role manager for stack.
func NewRoles(client API, stack string) *Roles {
	return &Roles{client: client, stack: stack}
}

// EnsureLambdaRole returns the ARN of a role lambda can assume with VPC access,
// creating it when missing.
func (r *Roles) EnsureLambdaRole(ctx context.Context, name string) (string, error) {
	existing, err := awsx.Track("iam:GetRole", func() (*iam.GetRoleOutput, error) {
		return r.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	})
	var arn string
	switch {
	case err == nil:
		arn = aws.ToString(existing.Role.Arn)
		logging.LogResourceOperation("role/"+name, "reuse", true, nil)
	case awsx.HasCode(err, "NoSuchEntity"):
		trust, err := ServiceTrustPolicy(LambdaService).JSON()
		if err != nil {
			return "", err
		}
		out, err := awsx.Track("iam:CreateRole", func() (*iam.CreateRoleOutput, error) {
			return r.client.CreateRole(ctx, &iam.CreateRoleInput{
				RoleName:                 aws.String(name),
				AssumeRolePolicyDocument: aws.String(trust),
				Description:              aws.String(fmt.Sprintf("%s execution role", r.stack)),
				Tags: []iamtypes.Tag{
					{Key: aws.String(domain.TagStack), Value: aws.String(r.stack)},
					{Key: aws.String(domain.TagLogicalID), Value: aws.String("role/" + name)},
				},
			})
		})
		if err != nil {
			return "", awsx.ResourceFailure("role/"+name, "create", err)
		}
		arn = aws.ToString(out.Role.Arn)
		logging.LogResourceOperation("role/"+name, "create", true, nil)
	default:
		return "", awsx.ResourceFailure("role/"+name, "describe", err)
	}

	// Attaching an attached policy is a no-op in IAM.
	if _, err := r.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(name),
		PolicyArn: aws.String(LambdaVPCAccessPolicyARN),
	}); err != nil {
		return "", awsx.ResourceFailure("role/"+name, "attach-policy", err)
	}
	return arn, nil
}

// GrantRead puts an inline policy on principal's role allowing it to read ref.
func (r *Roles) GrantRead(ctx context.Context, ref domain.CredentialRef, principal domain.Principal) error {
	if principal.RoleName == "" {
		return domain.Configf("principal", "%s has no role to grant to", principal.Name)
	}
	if ref.ARN == "" {
		return fmt.Errorf("%w: secret %s has no ARN yet", domain.ErrOrdering, ref.Name)
	}

	doc, err := SecretReadPolicy(ref.ARN, r.KeyARN).JSON()
	if err != nil {
		return err
	}
	policyName := GrantPolicyName(ref.Name)
	_, err = awsx.Track("iam:PutRolePolicy", func() (*iam.PutRolePolicyOutput, error) {
		return r.client.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       aws.String(principal.RoleName),
			PolicyName:     aws.String(policyName),
			PolicyDocument: aws.String(doc),
		})
	})
	if err != nil {
		return awsx.ResourceFailure("role/"+principal.RoleName, "put-policy", err)
	}
	logging.LogResourceOperation("role/"+principal.RoleName+"/"+policyName, "put", true, nil)
	return nil
}

// GrantPolicyName is the inline policy name used for a secret grant.
func GrantPolicyName(secretName string) string {
	name := "read-" + policyNameUnsafe.ReplaceAllString(secretName, "-")
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}

// InlinePolicies returns the decoded inline policies of a role.
func (r *Roles) InlinePolicies(ctx context.Context, roleName string) ([]PolicyDocument, error) {
	names, err := r.client.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: aws.String(roleName)})
	if err != nil {
		return nil, awsx.ResourceFailure("role/"+roleName, "list-policies", err)
	}

	docs := make([]PolicyDocument, 0, len(names.PolicyNames))
	for _, name := range names.PolicyNames {
		out, err := r.client.GetRolePolicy(ctx, &iam.GetRolePolicyInput{
			RoleName:   aws.String(roleName),
			PolicyName: aws.String(name),
		})
		if err != nil {
			logging.LogWarn("Failed to read inline policy", map[string]interface{}{
				"role":   roleName,
				"policy": name,
				"error":  err.Error(),
			})
			continue
		}
		doc, err := DecodeDocument(aws.ToString(out.PolicyDocument))
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// CanRead reports whether roleName's inline policies allow reading secretARN.
func (r *Roles) CanRead(ctx context.Context, roleName, secretARN string) (bool, error) {
	docs, err := r.InlinePolicies(ctx, roleName)
	if err != nil {
		return false, err
	}
	for _, doc := range docs {
		if doc.Allows("secretsmanager:GetSecretValue", secretARN) {
			return true, nil
		}
	}
	return false, nil
}

// DeleteRole removes inline and attached policies, then the role. A missing
// role is not an error.
func (r *Roles) DeleteRole(ctx context.Context, name string) error {
	inline, err := r.client.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: aws.String(name)})
	if awsx.HasCode(err, "NoSuchEntity") {
		return nil
	}
	if err != nil {
		return awsx.ResourceFailure("role/"+name, "list-policies", err)
	}
	for _, policy := range inline.PolicyNames {
		if _, err := r.client.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
			RoleName:   aws.String(name),
			PolicyName: aws.String(policy),
		}); err != nil {
			return awsx.ResourceFailure("role/"+name+"/"+policy, "delete", err)
		}
	}

	attached, err := r.client.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		return awsx.ResourceFailure("role/"+name, "list-attached", err)
	}
	for _, policy := range attached.AttachedPolicies {
		if _, err := r.client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(name),
			PolicyArn: policy.PolicyArn,
		}); err != nil {
			return awsx.ResourceFailure("role/"+name, "detach", err)
		}
	}

	if _, err := r.client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)}); err != nil {
		return awsx.ResourceFailure("role/"+name, "delete", err)
	}
	logging.LogResourceOperation("role/"+name, "delete", true, nil)
	return nil
}
