// Package iam manages the execution roles of the stack and the inline grants
// that let them read secrets.
package iam

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

// PolicyVersion is the only IAM policy language version.
const PolicyVersion = "2012-10-17"

// Secret read actions granted to consumers of a credential.
var SecretReadActions = []string{
	"secretsmanager:GetSecretValue",
	"secretsmanager:DescribeSecret",
}

// PolicyDocument is an IAM policy.
type PolicyDocument struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Statement is one policy statement. Action, Resource and Principal are
// kept as interface{} on decode because IAM allows a string or a list.
type Statement struct {
	Sid       string      `json:"Sid,omitempty"`
	Effect    string      `json:"Effect"`
	Principal interface{} `json:"Principal,omitempty"`
	Action    interface{} `json:"Action"`
	Resource  interface{} `json:"Resource,omitempty"`
}

// ServiceTrustPolicy lets service (e.g. lambda.amazonaws.com) assume the role.
func ServiceTrustPolicy(service string) PolicyDocument {
	return PolicyDocument{
		Version: PolicyVersion,
		Statement: []Statement{{
			Effect:    "Allow",
			Principal: map[string]interface{}{"Service": service},
			Action:    "sts:AssumeRole",
		}},
	}
}

// SecretReadPolicy grants read on one secret, plus decrypt on its key when set.
func SecretReadPolicy(secretARN, keyARN string) PolicyDocument {
	doc := PolicyDocument{
		Version: PolicyVersion,
		Statement: []Statement{{
			Sid:      "ReadSecret",
			Effect:   "Allow",
			Action:   SecretReadActions,
			Resource: secretARN,
		}},
	}
	if keyARN != "" {
		doc.Statement = append(doc.Statement, Statement{
			Sid:      "DecryptSecret",
			Effect:   "Allow",
			Action:   "kms:Decrypt",
			Resource: keyARN,
		})
	}
	return doc
}

// JSON renders the document for the IAM API.
func (d PolicyDocument) JSON() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeDocument parses a policy as returned by IAM, which URL-encodes documents.
func DecodeDocument(doc string) (PolicyDocument, error) {
	if strings.HasPrefix(doc, "%") || (strings.Contains(doc, "%") && !strings.HasPrefix(doc, "{")) {
		if decoded, err := url.QueryUnescape(doc); err == nil {
			doc = decoded
		}
	}
	var out PolicyDocument
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return PolicyDocument{}, err
	}
	return out, nil
}

// Allows reports whether an Allow statement covers action on resource and no
// Deny statement does.
func (d PolicyDocument) Allows(action, resource string) bool {
	allowed := false
	for _, stmt := range d.Statement {
		if !matchesAny(NormalizeIAMToList(stmt.Action), action) {
			continue
		}
		if !matchesAny(NormalizeIAMToList(stmt.Resource), resource) {
			continue
		}
		switch stmt.Effect {
		case "Deny":
			return false
		case "Allow":
			allowed = true
		}
	}
	return allowed
}

// NormalizeIAMToList normalizes a value to a list of strings
func NormalizeIAMToList(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				result = append(result, str)
			}
		}
		return result
	default:
		return []string{}
	}
}

func matchesAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if p == "*" || p == value {
			return true
		}
		if strings.ContainsAny(p, "*?") {
			if matched, _ := regexp.MatchString(iamPatternToRegex(p), value); matched {
				return true
			}
		}
	}
	return false
}

func iamPatternToRegex(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	escaped = strings.ReplaceAll(escaped, `\?`, ".")
	return "^" + escaped + "$"
}
