package domain

import "fmt"

// CredentialRef points at secret material without carrying it. It is the only
// thing passed between components.
type CredentialRef struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

// IsZero reports whether the reference has not been issued yet.
func (r CredentialRef) IsZero() bool {
	return r.Name == "" && r.ARN == ""
}

// ID returns the identifier to use when addressing the secret store: the ARN
// when known, the name otherwise.
func (r CredentialRef) ID() string {
	if r.ARN != "" {
		return r.ARN
	}
	return r.Name
}

// SecretMaterial is the resolved database credential. It only ever lives for
// the duration of one resolution call.
type SecretMaterial struct {
	Engine   string `json:"engine,omitempty"`
	Host     string `json:"host,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	Port     int    `json:"port"`
}

// String redacts the password so material never ends up in logs by accident.
func (m SecretMaterial) String() string {
	return fmt.Sprintf("SecretMaterial{host=%s user=%s db=%s port=%d password=<redacted>}", m.Host, m.Username, m.DBName, m.Port)
}

// GoString keeps %#v from leaking the password as well.
func (m SecretMaterial) GoString() string {
	return m.String()
}

// Principal is an entity that can be granted read access to a secret.
// RoleName is the IAM role backing the principal when running on AWS.
type Principal struct {
	Name     string `json:"name"`
	RoleName string `json:"role_name,omitempty"`
}
