package domain

// LogLevel represents log levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// RemovalPolicy decides what happens to stateful resources on stack teardown.
// There is no zero-value default: callers must pick one.
type RemovalPolicy string

const (
	RemovalDestroy RemovalPolicy = "destroy"
	RemovalRetain  RemovalPolicy = "retain"
)

// Valid reports whether p is one of the known policies.
func (p RemovalPolicy) Valid() bool {
	return p == RemovalDestroy || p == RemovalRetain
}

// Tag keys stamped on every resource the stack creates. Lookups by these tags
// are what make re-running a deployment reuse resources instead of duplicating them.
const (
	TagStack      = "dbstack:stack"
	TagLogicalID  = "dbstack:logical-id"
	TagSubnetKind = "dbstack:subnet-type"
	TagName       = "Name"
)

// Tags is a small helper for building resource tag sets.
type Tags map[string]string

// StackTags returns the base tags for a resource owned by stack.
func StackTags(stack, logicalID string) Tags {
	return Tags{
		TagStack:     stack,
		TagLogicalID: logicalID,
		TagName:      stack + "/" + logicalID,
	}
}

// With returns a copy of t with key set to value.
func (t Tags) With(key, value string) Tags {
	out := make(Tags, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	out[key] = value
	return out
}
