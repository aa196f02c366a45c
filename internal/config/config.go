package config

import (
	_ "embed"
	"fmt"
	"net/netip"
	"os"
	"regexp"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"dbstack/internal/domain"
	"dbstack/internal/logging"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// identifierPattern is what a table name must look like before it is ever
// interpolated into DDL.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// StackConfig is the configuration surface of the database stack. Values come
// from the embedded defaults, then the stack file, then DBSTACK_* environment
// variables.
type StackConfig struct {
	StackName string `yaml:"stackName" json:"stackName" env:"DBSTACK_STACK_NAME"`

	DBAdminUser               string               `yaml:"dbAdminUser" json:"dbAdminUser" env:"DBSTACK_DB_ADMIN_USER"`
	DefaultDBName             string               `yaml:"defaultDbName" json:"defaultDbName" env:"DBSTACK_DEFAULT_DB_NAME"`
	DBSecretName              string               `yaml:"dbSecretName" json:"dbSecretName" env:"DBSTACK_DB_SECRET_NAME"`
	DBTableName               string               `yaml:"dbTableName" json:"dbTableName" env:"DBSTACK_DB_TABLE_NAME"`
	DBPort                    int                  `yaml:"dbPort" json:"dbPort" env:"DBSTACK_DB_PORT"`
	BastionHostInitScriptPath string               `yaml:"bastionHostInitScriptPath" json:"bastionHostInitScriptPath" env:"DBSTACK_BASTION_INIT_SCRIPT"`
	BastionHostKeyPairName    string               `yaml:"bastionhostKeyPairName" json:"bastionhostKeyPairName" env:"DBSTACK_BASTION_KEY_PAIR_NAME"`
	LambdaApisDirectory       string               `yaml:"lambdaApisDirectory" json:"lambdaApisDirectory" env:"DBSTACK_LAMBDA_DIR"`
	DefaultHandler            string               `yaml:"defaultHandler" json:"defaultHandler" env:"DBSTACK_DEFAULT_HANDLER"`
	RemovalPolicy             domain.RemovalPolicy `yaml:"removalPolicy" json:"removalPolicy" env:"DBSTACK_REMOVAL_POLICY"`

	VpcCIDR             string   `yaml:"vpcCidr" json:"vpcCidr" env:"DBSTACK_VPC_CIDR"`
	SubnetCIDRMask      int      `yaml:"subnetCidrMask" json:"subnetCidrMask" env:"DBSTACK_SUBNET_MASK"`
	MaxAZs              int      `yaml:"maxAzs" json:"maxAzs" env:"DBSTACK_MAX_AZS"`
	DBInstanceClass     string   `yaml:"dbInstanceClass" json:"dbInstanceClass" env:"DBSTACK_DB_INSTANCE_CLASS"`
	DBInstances         int      `yaml:"dbInstances" json:"dbInstances" env:"DBSTACK_DB_INSTANCES"`
	DBEngineVersion     string   `yaml:"dbEngineVersion" json:"dbEngineVersion" env:"DBSTACK_DB_ENGINE_VERSION"`
	BastionInstanceType string   `yaml:"bastionInstanceType" json:"bastionInstanceType" env:"DBSTACK_BASTION_INSTANCE_TYPE"`
	BastionAMIParameter string   `yaml:"bastionAmiParameter" json:"bastionAmiParameter" env:"DBSTACK_BASTION_AMI_PARAMETER"`
	BastionAdminCIDR    string   `yaml:"bastionAdminCidr" json:"bastionAdminCidr" env:"DBSTACK_BASTION_ADMIN_CIDR"`
	InitToken           string   `yaml:"initToken" json:"initToken" env:"DBSTACK_INIT_TOKEN"`
	DBClients           []string `yaml:"dbClients" json:"dbClients" env:"DBSTACK_DB_CLIENTS" envSeparator:","`
	SecretKMSKeyAlias   string   `yaml:"secretKmsKeyAlias" json:"secretKmsKeyAlias" env:"DBSTACK_SECRET_KMS_KEY_ALIAS"`
	AssetBucket         string   `yaml:"assetBucket" json:"assetBucket" env:"DBSTACK_ASSET_BUCKET"`
	HookLedgerTable     string   `yaml:"hookLedgerTable" json:"hookLedgerTable" env:"DBSTACK_HOOK_LEDGER_TABLE"`
	LambdaRuntime       string   `yaml:"lambdaRuntime" json:"lambdaRuntime" env:"DBSTACK_LAMBDA_RUNTIME"`
}

// Load reads the stack configuration from path (YAML or JSON) and applies
// environment overrides from the process environment.
func Load(path string) (*StackConfig, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment. A nil map means the
// process environment.
func LoadWithEnv(path string, environ map[string]string) (*StackConfig, error) {
	cfg, err := Defaults()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading stack config %s: %w", path, err)
		}
		// YAML is a superset of JSON, so both file formats decode here.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.Configf("file", "cannot decode %s: %v", path, err)
		}
	}

	if environ == nil {
		err = env.Parse(cfg)
	} else {
		err = env.ParseWithOptions(cfg, env.Options{Environment: environ})
	}
	if err != nil {
		return nil, domain.Configf("environment", "%v", err)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the embedded defaults with nothing required filled in.
func Defaults() (*StackConfig, error) {
	cfg := &StackConfig{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("failed to load embedded defaults: %w", err)
	}
	return cfg, nil
}

func (c *StackConfig) applyDerived() {
	if c.HookLedgerTable == "" && c.StackName != "" {
		c.HookLedgerTable = c.StackName + "-hooks"
	}
}

// Validate checks every field and reports all problems at once. Valid CIDR
// fields are rewritten in masked form, so 10.20.1.5/16 becomes 10.20.0.0/16.
func (c *StackConfig) Validate() error {
	errs := &domain.ConfigError{}

	required := []struct {
		field string
		value string
	}{
		{"stackName", c.StackName},
		{"dbAdminUser", c.DBAdminUser},
		{"defaultDbName", c.DefaultDBName},
		{"dbSecretName", c.DBSecretName},
		{"dbTableName", c.DBTableName},
		{"bastionHostInitScriptPath", c.BastionHostInitScriptPath},
		{"bastionhostKeyPairName", c.BastionHostKeyPairName},
		{"lambdaApisDirectory", c.LambdaApisDirectory},
		{"defaultHandler", c.DefaultHandler},
	}
	for _, r := range required {
		if r.value == "" {
			errs.Add(r.field, "is required")
		}
	}

	switch {
	case c.DBPort == 0:
		errs.Add("dbPort", "is required")
	case c.DBPort < 1 || c.DBPort > 65535:
		errs.Add("dbPort", fmt.Sprintf("%d is not a valid port", c.DBPort))
	}

	switch {
	case c.RemovalPolicy == "":
		errs.Add("removalPolicy", "is required (destroy or retain)")
	case !c.RemovalPolicy.Valid():
		errs.Add("removalPolicy", fmt.Sprintf("unknown policy %q", c.RemovalPolicy))
	}

	if c.DBTableName != "" && !ValidIdentifier(c.DBTableName) {
		errs.Add("dbTableName", fmt.Sprintf("%q is not a valid SQL identifier", c.DBTableName))
	}
	if c.DefaultDBName != "" && !ValidIdentifier(c.DefaultDBName) {
		errs.Add("defaultDbName", fmt.Sprintf("%q is not a valid SQL identifier", c.DefaultDBName))
	}

	c.VpcCIDR = maskedCIDR(errs, "vpcCidr", c.VpcCIDR)
	if c.SubnetCIDRMask < 16 || c.SubnetCIDRMask > 28 {
		errs.Add("subnetCidrMask", fmt.Sprintf("/%d outside [16, 28]", c.SubnetCIDRMask))
	}
	if c.MaxAZs < 1 {
		errs.Add("maxAzs", "must be at least 1")
	}
	if c.DBInstances < domain.MinClusterInstances {
		logging.LogWarn("Requested instance count below the availability floor, raising it", map[string]interface{}{
			"requested": c.DBInstances,
			"floor":     domain.MinClusterInstances,
		})
	}
	c.BastionAdminCIDR = maskedCIDR(errs, "bastionAdminCidr", c.BastionAdminCIDR)
	for i, client := range c.DBClients {
		c.DBClients[i] = maskedCIDR(errs, fmt.Sprintf("dbClients[%d]", i), client)
	}

	return errs.OrNil()
}

// maskedCIDR returns block with its host bits cleared. An invalid block is
// recorded in errs and returned unchanged.
func maskedCIDR(errs *domain.ConfigError, field, block string) string {
	prefix, err := netip.ParsePrefix(block)
	if err != nil {
		errs.Add(field, err.Error())
		return block
	}
	return prefix.Masked().String()
}

// ValidIdentifier reports whether name can be used as an unquoted SQL identifier.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}
