package domain

import "fmt"

// MinClusterInstances is the hard availability floor for a database cluster.
const MinClusterInstances = 2

// EngineAuroraMySQL is the only engine the stack provisions.
const EngineAuroraMySQL = "aurora-mysql"

// ClusterSpec is a validated request for a database cluster. Build it with
// NewClusterSpec.
type ClusterSpec struct {
	Identifier       string        `json:"identifier"`
	InstanceClass    string        `json:"instance_class"`
	Instances        int           `json:"instances"`
	Port             int           `json:"port"`
	Engine           string        `json:"engine"`
	EngineVersion    string        `json:"engine_version,omitempty"`
	DefaultDBName    string        `json:"default_db_name"`
	AdminUser        string        `json:"admin_user"`
	Credential       CredentialRef `json:"credential"`
	Subnets          []Subnet      `json:"subnets"`
	SecurityGroupIDs []string      `json:"security_group_ids"`
	RemovalPolicy    RemovalPolicy `json:"removal_policy"`
	KMSKeyID         string        `json:"kms_key_id,omitempty"`
}

// NewClusterSpec validates s. Instances below the floor are raised to
// MinClusterInstances; any subnet that is not Isolated is rejected.
func NewClusterSpec(s ClusterSpec) (ClusterSpec, error) {
	cfgErr := &ConfigError{}
	if s.Identifier == "" {
		cfgErr.Add("identifier", "required")
	}
	if s.InstanceClass == "" {
		cfgErr.Add("dbInstanceClass", "required")
	}
	if s.Port < 1 || s.Port > 65535 {
		cfgErr.Add("dbPort", fmt.Sprintf("%d is not a valid port", s.Port))
	}
	if s.DefaultDBName == "" {
		cfgErr.Add("defaultDbName", "required")
	}
	if s.AdminUser == "" {
		cfgErr.Add("dbAdminUser", "required")
	}
	if !s.RemovalPolicy.Valid() {
		cfgErr.Add("removalPolicy", fmt.Sprintf("%q must be %q or %q", s.RemovalPolicy, RemovalDestroy, RemovalRetain))
	}
	if len(s.Subnets) == 0 {
		cfgErr.Add("subnets", "at least one isolated subnet is required")
	}
	for _, sub := range s.Subnets {
		if sub.Kind != SubnetIsolated {
			cfgErr.Add("subnets", fmt.Sprintf("%s is %s, clusters only go in %s subnets", sub.Name, sub.Kind, SubnetIsolated))
		}
	}
	if err := cfgErr.OrNil(); err != nil {
		return ClusterSpec{}, err
	}

	if s.Credential.IsZero() {
		return ClusterSpec{}, fmt.Errorf("%w: cluster %s needs an issued credential", ErrOrdering, s.Identifier)
	}
	for _, sub := range s.Subnets {
		if sub.ID == "" {
			return ClusterSpec{}, fmt.Errorf("%w: subnet %s is not provisioned", ErrOrdering, sub.Name)
		}
	}

	if s.Instances < MinClusterInstances {
		s.Instances = MinClusterInstances
	}
	if s.Engine == "" {
		s.Engine = EngineAuroraMySQL
	}
	return s, nil
}

// SubnetIDs returns the provisioned subnet IDs of the spec.
func (s ClusterSpec) SubnetIDs() []string {
	ids := make([]string, 0, len(s.Subnets))
	for _, sub := range s.Subnets {
		ids = append(ids, sub.ID)
	}
	return ids
}

// InstanceIdentifier names the n-th (1-based) instance of the cluster.
func (s ClusterSpec) InstanceIdentifier(n int) string {
	return fmt.Sprintf("%s-instance-%d", s.Identifier, n)
}

// Cluster is what the database component exposes once provisioned. It never
// exposes raw credentials, only the reference.
type Cluster struct {
	Identifier  string        `json:"identifier"`
	Endpoint    string        `json:"endpoint"`
	Port        int           `json:"port"`
	Credential  CredentialRef `json:"credential"`
	InstanceIDs []string      `json:"instance_ids"`
	Removal     RemovalPolicy `json:"removal_policy"`
}
