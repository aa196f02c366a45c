package mocks

import (
	"context"
	"net/url"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// =============================================================================
// FakeIAM - in-memory roles with inline and attached policies
// =============================================================================

// FakeRole is one stored role.
type FakeRole struct {
	Role     iamtypes.Role
	Trust    string
	Inline   map[string]string
	Attached map[string]bool
}

// FakeIAM keeps roles by name. Inline policies are returned URL-encoded the
// way IAM returns them.
type FakeIAM struct {
	mu sync.Mutex

	Errors map[string]error
	Calls  map[string]int
	Roles  map[string]*FakeRole
}

// NewFakeIAM returns an empty fake.
func NewFakeIAM() *FakeIAM {
	return &FakeIAM{
		Errors: make(map[string]error),
		Calls:  make(map[string]int),
		Roles:  make(map[string]*FakeRole),
	}
}

func (f *FakeIAM) call(op string) error {
	f.Calls[op]++
	return f.Errors[op]
}

func (f *FakeIAM) role(name string) (*FakeRole, error) {
	r, ok := f.Roles[name]
	if !ok {
		return nil, APIError("NoSuchEntity", "The role with name "+name+" cannot be found.")
	}
	return r, nil
}

func (f *FakeIAM) GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetRole"); err != nil {
		return nil, err
	}
	r, err := f.role(aws.ToString(params.RoleName))
	if err != nil {
		return nil, err
	}
	role := r.Role
	return &iam.GetRoleOutput{Role: &role}, nil
}

func (f *FakeIAM) CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateRole"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.RoleName)
	if _, ok := f.Roles[name]; ok {
		return nil, APIError("EntityAlreadyExists", "Role with name "+name+" already exists.")
	}
	r := &FakeRole{
		Role: iamtypes.Role{
			RoleName: aws.String(name),
			Arn:      aws.String("arn:aws:iam::123456789012:role/" + name),
			Tags:     params.Tags,
		},
		Trust:    aws.ToString(params.AssumeRolePolicyDocument),
		Inline:   make(map[string]string),
		Attached: make(map[string]bool),
	}
	f.Roles[name] = r
	role := r.Role
	return &iam.CreateRoleOutput{Role: &role}, nil
}

func (f *FakeIAM) DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteRole"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.RoleName)
	r, err := f.role(name)
	if err != nil {
		return nil, err
	}
	if len(r.Inline) > 0 || len(r.Attached) > 0 {
		return nil, APIError("DeleteConflict", "Cannot delete entity, must delete policies first.")
	}
	delete(f.Roles, name)
	return &iam.DeleteRoleOutput{}, nil
}

func (f *FakeIAM) AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AttachRolePolicy"); err != nil {
		return nil, err
	}
	r, err := f.role(aws.ToString(params.RoleName))
	if err != nil {
		return nil, err
	}
	r.Attached[aws.ToString(params.PolicyArn)] = true
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *FakeIAM) DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DetachRolePolicy"); err != nil {
		return nil, err
	}
	r, err := f.role(aws.ToString(params.RoleName))
	if err != nil {
		return nil, err
	}
	delete(r.Attached, aws.ToString(params.PolicyArn))
	return &iam.DetachRolePolicyOutput{}, nil
}

func (f *FakeIAM) ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ListAttachedRolePolicies"); err != nil {
		return nil, err
	}
	r, err := f.role(aws.ToString(params.RoleName))
	if err != nil {
		return nil, err
	}
	out := &iam.ListAttachedRolePoliciesOutput{}
	for _, arn := range sortedKeys(r.Attached) {
		out.AttachedPolicies = append(out.AttachedPolicies, iamtypes.AttachedPolicy{PolicyArn: aws.String(arn)})
	}
	return out, nil
}

func (f *FakeIAM) PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("PutRolePolicy"); err != nil {
		return nil, err
	}
	r, err := f.role(aws.ToString(params.RoleName))
	if err != nil {
		return nil, err
	}
	r.Inline[aws.ToString(params.PolicyName)] = aws.ToString(params.PolicyDocument)
	return &iam.PutRolePolicyOutput{}, nil
}

func (f *FakeIAM) GetRolePolicy(ctx context.Context, params *iam.GetRolePolicyInput, optFns ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetRolePolicy"); err != nil {
		return nil, err
	}
	r, err := f.role(aws.ToString(params.RoleName))
	if err != nil {
		return nil, err
	}
	doc, ok := r.Inline[aws.ToString(params.PolicyName)]
	if !ok {
		return nil, APIError("NoSuchEntity", "policy not found")
	}
	return &iam.GetRolePolicyOutput{
		RoleName:       params.RoleName,
		PolicyName:     params.PolicyName,
		PolicyDocument: aws.String(url.QueryEscape(doc)),
	}, nil
}

func (f *FakeIAM) ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ListRolePolicies"); err != nil {
		return nil, err
	}
	r, err := f.role(aws.ToString(params.RoleName))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(r.Inline))
	for name := range r.Inline {
		names = append(names, name)
	}
	sort.Strings(names)
	return &iam.ListRolePoliciesOutput{PolicyNames: names}, nil
}

func (f *FakeIAM) DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteRolePolicy"); err != nil {
		return nil, err
	}
	r, err := f.role(aws.ToString(params.RoleName))
	if err != nil {
		return nil, err
	}
	delete(r.Inline, aws.ToString(params.PolicyName))
	return &iam.DeleteRolePolicyOutput{}, nil
}
