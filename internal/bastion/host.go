// Package bastion launches the single public entry point into the database
// network and manages its generated key pair.
package bastion

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	awsx "dbstack/internal/aws"
	"dbstack/internal/domain"
	"dbstack/internal/logging"
	"dbstack/internal/secrets"
)

const (
	logicalID      = "bastion"
	InitScriptPath = "/home/ec2-user/init.sh"
)

// EC2API is the subset of EC2 used for the key pair and the instance.
type EC2API interface {
	CreateKeyPair(ctx context.Context, params *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	DescribeKeyPairs(ctx context.Context, params *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	DeleteKeyPair(ctx context.Context, params *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// SSMAPI resolves the public AMI parameter.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Spec describes the bastion to launch.
type Spec struct {
	KeyPairName     string
	InstanceType    string
	AMIParameter    string
	InitScriptPath  string
	PublicSubnets   []domain.Subnet
	SecurityGroupID string
}

func (s Spec) validate() error {
	cfgErr := &domain.ConfigError{}
	if s.KeyPairName == "" {
		cfgErr.Add("bastionhostKeyPairName", "required")
	}
	if s.InitScriptPath == "" {
		cfgErr.Add("bastionHostInitScriptPath", "required")
	}
	if s.InstanceType == "" {
		cfgErr.Add("bastionInstanceType", "required")
	}
	if s.AMIParameter == "" {
		cfgErr.Add("bastionAmiParameter", "required")
	}
	for _, sub := range s.PublicSubnets {
		if sub.Kind != domain.SubnetPublic {
			cfgErr.Add("subnets", fmt.Sprintf("%s is %s, the bastion only goes in %s subnets", sub.Name, sub.Kind, domain.SubnetPublic))
		}
	}
	return cfgErr.OrNil()
}

// PrivateKeySecret is where the private half of key pair name is stored.
func PrivateKeySecret(name string) string {
	return fmt.Sprintf("ec2-ssh-key/%s/private", name)
}

// PublicKeySecret is where the public half of key pair name is stored.
func PublicKeySecret(name string) string {
	return fmt.Sprintf("ec2-ssh-key/%s/public", name)
}

// Host provisions the bastion. Key material only ever goes to the secret
// store; callers never supply or receive it.
type Host struct {
	ec2     EC2API
	ssm     SSMAPI
	binding *secrets.Binding
	stack   string

	WaitTimeout time.Duration
}

// NewHost creates a bastion provisioner for stack.
func NewHost(ec2Client EC2API, ssmClient SSMAPI, binding *secrets.Binding, stack string) *Host {
	return &Host{
		ec2:         ec2Client,
		ssm:         ssmClient,
		binding:     binding,
		stack:       stack,
		WaitTimeout: 10 * time.Minute,
	}
}

// KeyPair holds the references of a stored key pair.
type KeyPair struct {
	Name       string
	PrivateKey domain.CredentialRef
	PublicKey  domain.CredentialRef
}

// EnsureKeyPair generates the key pair unless it exists with its private key
// stored. A key pair whose private key was never stored cannot be used by
// anyone, so it is replaced.
func (h *Host) EnsureKeyPair(ctx context.Context, name string) (*KeyPair, error) {
	if name == "" {
		return nil, domain.Configf("bastionhostKeyPairName", "required")
	}
	resource := "key-pair/" + name

	exists, err := h.keyPairExists(ctx, name)
	if err != nil {
		return nil, err
	}

	var generated *ec2.CreateKeyPairOutput
	privateRef, err := h.binding.EnsureOpaque(ctx, PrivateKeySecret(name), "Private key of "+name, func(ctx context.Context) ([]byte, error) {
		if exists {
			logging.LogWarn("Key pair has no stored private key, replacing it", map[string]interface{}{"key_pair": name})
			if _, err := h.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(name)}); err != nil {
				return nil, awsx.ResourceFailure(resource, "delete", err)
			}
		}
		out, err := awsx.Track("ec2:CreateKeyPair", func() (*ec2.CreateKeyPairOutput, error) {
			return h.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
				KeyName:           aws.String(name),
				KeyType:           ec2types.KeyTypeRsa,
				KeyFormat:         ec2types.KeyFormatPem,
				TagSpecifications: awsx.EC2TagSpecs(ec2types.ResourceTypeKeyPair, domain.StackTags(h.stack, resource)),
			})
		})
		if err != nil {
			return nil, awsx.ResourceFailure(resource, "create", err)
		}
		generated = out
		logging.LogResourceOperation(resource, "create", true, nil)
		return []byte(aws.ToString(out.KeyMaterial)), nil
	})
	if err != nil {
		return nil, err
	}

	publicRef, err := h.binding.EnsureOpaque(ctx, PublicKeySecret(name), "Public key of "+name, func(ctx context.Context) ([]byte, error) {
		return h.publicKey(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	if generated == nil {
		logging.LogResourceOperation(resource, "reuse", true, nil)
	}
	return &KeyPair{Name: name, PrivateKey: privateRef, PublicKey: publicRef}, nil
}

func (h *Host) keyPairExists(ctx context.Context, name string) (bool, error) {
	_, err := h.ec2.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if awsx.HasCode(err, "InvalidKeyPair.NotFound") {
		return false, nil
	}
	if err != nil {
		return false, awsx.ResourceFailure("key-pair/"+name, "describe", err)
	}
	return true, nil
}

func (h *Host) publicKey(ctx context.Context, name string) ([]byte, error) {
	out, err := h.ec2.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		KeyNames:         []string{name},
		IncludePublicKey: aws.Bool(true),
	})
	if err != nil {
		return nil, awsx.ResourceFailure("key-pair/"+name, "describe", err)
	}
	if len(out.KeyPairs) == 0 || aws.ToString(out.KeyPairs[0].PublicKey) == "" {
		return nil, fmt.Errorf("%w: key pair %s has no public key", domain.ErrOrdering, name)
	}
	return []byte(aws.ToString(out.KeyPairs[0].PublicKey)), nil
}

// ResolveAMI reads the image ID from the public SSM parameter.
func (h *Host) ResolveAMI(ctx context.Context, parameter string) (string, error) {
	out, err := awsx.Track("ssm:GetParameter", func() (*ssm.GetParameterOutput, error) {
		return h.ssm.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(parameter)})
	})
	if err != nil {
		return "", awsx.ResourceFailure("ssm-parameter/"+parameter, "get", err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", domain.Configf("bastionAmiParameter", "%s has no value", parameter)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// UserData builds the boot script that writes script to InitScriptPath.
func UserData(script []byte) string {
	boot := fmt.Sprintf(`#!/bin/bash
set -euo pipefail
echo '%s' | base64 -d > %s
chown ec2-user:ec2-user %s
chmod 0755 %s
`, base64.StdEncoding.EncodeToString(script), InitScriptPath, InitScriptPath, InitScriptPath)
	return base64.StdEncoding.EncodeToString([]byte(boot))
}

// Ensure launches the bastion in the first public subnet unless one is
// already running, and returns it with its public IP.
func (h *Host) Ensure(ctx context.Context, spec Spec) (*domain.BastionHost, error) {
	start := time.Now()
	logging.LogOperationStart("ensure-bastion", map[string]interface{}{"key_pair": spec.KeyPairName})

	host, err := h.ensure(ctx, spec)
	logging.LogOperationEnd("ensure-bastion", time.Since(start), err == nil, 1, boolToInt(host != nil), err)
	return host, err
}

func (h *Host) ensure(ctx context.Context, spec Spec) (*domain.BastionHost, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if len(spec.PublicSubnets) == 0 || spec.PublicSubnets[0].ID == "" {
		return nil, fmt.Errorf("%w: bastion needs a provisioned public subnet", domain.ErrOrdering)
	}
	if spec.SecurityGroupID == "" {
		return nil, fmt.Errorf("%w: bastion security group is not realised", domain.ErrOrdering)
	}

	keys, err := h.EnsureKeyPair(ctx, spec.KeyPairName)
	if err != nil {
		return nil, err
	}

	inst, err := h.find(ctx)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		inst, err = h.launch(ctx, spec)
		if err != nil {
			return nil, err
		}
	} else {
		logging.LogResourceOperation("instance/"+logicalID, "reuse", true, nil)
	}

	id := aws.ToString(inst.InstanceId)
	waiter := ec2.NewInstanceRunningWaiter(h.ec2)
	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, h.WaitTimeout)
	if err != nil {
		return nil, awsx.ResourceFailure("instance/"+id, "wait-running", err)
	}
	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			if aws.ToString(i.InstanceId) == id {
				inst = &i
			}
		}
	}

	return &domain.BastionHost{
		InstanceID:    id,
		PublicIP:      aws.ToString(inst.PublicIpAddress),
		SubnetID:      aws.ToString(inst.SubnetId),
		KeyPairName:   keys.Name,
		PrivateKeyRef: keys.PrivateKey,
		PublicKeyRef:  keys.PublicKey,
	}, nil
}

func (h *Host) launch(ctx context.Context, spec Spec) (*ec2types.Instance, error) {
	script, err := os.ReadFile(spec.InitScriptPath)
	if err != nil {
		return nil, domain.Configf("bastionHostInitScriptPath", "cannot read %s: %v", spec.InitScriptPath, err)
	}
	ami, err := h.ResolveAMI(ctx, spec.AMIParameter)
	if err != nil {
		return nil, err
	}

	tags := domain.StackTags(h.stack, logicalID)
	out, err := awsx.Track("ec2:RunInstances", func() (*ec2.RunInstancesOutput, error) {
		return h.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
			ImageId:          aws.String(ami),
			InstanceType:     ec2types.InstanceType(spec.InstanceType),
			KeyName:          aws.String(spec.KeyPairName),
			SubnetId:         aws.String(spec.PublicSubnets[0].ID),
			SecurityGroupIds: []string{spec.SecurityGroupID},
			UserData:         aws.String(UserData(script)),
			MinCount:         aws.Int32(1),
			MaxCount:         aws.Int32(1),
			TagSpecifications: []ec2types.TagSpecification{
				{ResourceType: ec2types.ResourceTypeInstance, Tags: awsx.EC2Tags(tags)},
				{ResourceType: ec2types.ResourceTypeVolume, Tags: awsx.EC2Tags(tags)},
			},
		})
	})
	if err != nil {
		return nil, awsx.ResourceFailure("instance/"+logicalID, "run", err)
	}
	if len(out.Instances) == 0 {
		return nil, awsx.ResourceFailure("instance/"+logicalID, "run", fmt.Errorf("no instance returned"))
	}
	logging.LogResourceOperation("instance/"+logicalID, "create", true, nil)
	return &out.Instances[0], nil
}

// find returns the live bastion of the stack, if any.
func (h *Host) find(ctx context.Context) (*ec2types.Instance, error) {
	filters := append(awsx.StackFilters(h.stack, logicalID), ec2types.Filter{
		Name:   aws.String("instance-state-name"),
		Values: []string{"pending", "running", "stopping", "stopped"},
	})
	out, err := h.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: filters})
	if err != nil {
		return nil, awsx.ResourceFailure("instance/"+logicalID, "describe", err)
	}
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			inst := r.Instances[0]
			return &inst, nil
		}
	}
	return nil, nil
}

// Destroy terminates the bastion, deletes its key pair and removes both
// stored key halves.
func (h *Host) Destroy(ctx context.Context, keyPairName string) error {
	inst, err := h.find(ctx)
	if err != nil {
		return err
	}
	if inst != nil {
		id := aws.ToString(inst.InstanceId)
		if _, err := h.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}}); err != nil {
			return awsx.ResourceFailure("instance/"+id, "terminate", err)
		}
		waiter := ec2.NewInstanceTerminatedWaiter(h.ec2)
		if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, h.WaitTimeout); err != nil {
			return awsx.ResourceFailure("instance/"+id, "wait-terminated", err)
		}
		logging.LogResourceOperation("instance/"+id, "terminate", true, nil)
	}

	if keyPairName == "" {
		return nil
	}
	if _, err := h.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(keyPairName)}); err != nil {
		return awsx.ResourceFailure("key-pair/"+keyPairName, "delete", err)
	}
	for _, name := range []string{PrivateKeySecret(keyPairName), PublicKeySecret(keyPairName)} {
		if err := h.binding.Delete(ctx, domain.CredentialRef{Name: name}); err != nil {
			return err
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
