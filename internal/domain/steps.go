package domain

// Step describes one provisioning step of the database stack.
type Step struct {
	Name        string
	Description string
}

// Provisioning steps of the database stack
var (
	// StepNetwork segments the VPC into public, egress and isolated subnets
	StepNetwork = Step{
		Name:        "network",
		Description: "VPC with public, private-with-egress and isolated subnets in every zone",
	}

	// StepCredential issues the database credential in the secret store
	StepCredential = Step{
		Name:        "credential",
		Description: "Generated database credential stored under the configured secret name",
	}

	// StepSecurityGroups realises the connectivity policy
	StepSecurityGroups = Step{
		Name:        "security-groups",
		Description: "Default-deny security groups, explicit allow rules and the secrets endpoint",
	}

	// StepCluster provisions the isolated database cluster
	StepCluster = Step{
		Name:        "cluster",
		Description: "Aurora MySQL cluster restricted to isolated subnets",
	}

	// StepSecretAttachment writes the cluster endpoint into the credential
	StepSecretAttachment = Step{
		Name:        "secret-attachment",
		Description: "Cluster host and port attached to the credential",
	}

	// StepBastionKey generates the bastion key pair
	StepBastionKey = Step{
		Name:        "bastion-key",
		Description: "Generated key pair with the private key held in the secret store",
	}

	// StepBastion launches the bastion host
	StepBastion = Step{
		Name:        "bastion",
		Description: "Bastion host in a public subnet",
	}

	// StepInitTask deploys the initialization function
	StepInitTask = Step{
		Name:        "init-task",
		Description: "Initialization function wired to the cluster credential and network",
	}

	// StepHookLedger ensures the table holding one-shot trigger records
	StepHookLedger = Step{
		Name:        "hook-ledger",
		Description: "Trigger record store for one-shot hooks",
	}

	// StepInitInvoke runs the initialization function once per token
	StepInitInvoke = Step{
		Name:        "init-invoke",
		Description: "One-shot schema creation and seeding",
	}
)

// AllSteps lists the steps in the order they are declared.
func AllSteps() []Step {
	return []Step{
		StepNetwork,
		StepCredential,
		StepSecurityGroups,
		StepCluster,
		StepSecretAttachment,
		StepBastionKey,
		StepBastion,
		StepInitTask,
		StepHookLedger,
		StepInitInvoke,
	}
}
