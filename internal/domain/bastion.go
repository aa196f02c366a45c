package domain

// BastionHost is the single externally reachable entry point into the network.
type BastionHost struct {
	InstanceID    string        `json:"instance_id"`
	PublicIP      string        `json:"public_ip,omitempty"`
	SubnetID      string        `json:"subnet_id"`
	KeyPairName   string        `json:"key_pair_name"`
	PrivateKeyRef CredentialRef `json:"private_key_ref"`
	PublicKeyRef  CredentialRef `json:"public_key_ref"`
}
