// Package policy loads and validates the jurisdiction policy set the engine
// freezes into each workflow. Documents are YAML, checked against an
// embedded JSON Schema, versioned with semver, and defaulted per
// jurisdiction before the domain-level Validate runs.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/veridact/erasure/pkg/contracts"
)

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["policies"],
  "properties": {
    "policies": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["jurisdiction", "policy_version", "required_systems"],
        "properties": {
          "jurisdiction": {"enum": ["EU", "US", "OTHER"]},
          "policy_version": {"type": "string", "minLength": 1},
          "max_retry_attempts": {"type": "integer", "minimum": 1},
          "initial_retry_delay_ms": {"type": "integer", "minimum": 1},
          "retry_backoff_multiplier": {"type": "number", "exclusiveMinimum": 1},
          "zombie_check_interval_days": {"type": "integer", "minimum": 1},
          "auto_delete_threshold": {"type": "number", "minimum": 0, "maximum": 1},
          "manual_review_threshold": {"type": "number", "minimum": 0, "maximum": 1},
          "required_systems": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
          "parallel_systems": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "external_system_timeout_ms": {"type": "integer", "minimum": 1},
          "certificate_validity_days": {"type": "integer", "minimum": 1},
          "hash_algorithm": {"enum": ["sha256"]},
          "override_guards": {
            "type": "object",
            "additionalProperties": {"type": "string", "minLength": 1}
          }
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("policies.schema.json", schemaJSON)

// Defaults applied when a policy document omits a field.
const (
	DefaultMaxRetryAttempts        = 3
	DefaultInitialRetryDelayMs     = 1000
	DefaultRetryBackoffMultiplier  = 2.0
	DefaultAutoDeleteThreshold     = 0.8
	DefaultManualReviewThreshold   = 0.5
	DefaultCertificateValidityDays = 365
	DefaultHashAlgorithm           = "sha256"
)

// DefaultZombieDays returns the jurisdiction's re-check interval.
func DefaultZombieDays(j contracts.Jurisdiction) int {
	switch j {
	case contracts.JurisdictionEU:
		return 30
	case contracts.JurisdictionUS:
		return 45
	default:
		return 60
	}
}

type document struct {
	Policies []contracts.Policy `yaml:"policies" json:"policies"`
}

// Store is the loaded, validated policy set keyed by jurisdiction.
type Store struct {
	policies map[contracts.Jurisdiction]contracts.Policy
	guards   map[contracts.Jurisdiction]*GuardSet
}

// Load reads and parses a policy file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, contracts.Errf(contracts.CodePolicyConfig, "read policy file %s: %v", path, err).WithCause(err)
	}
	return Parse(data)
}

// Parse validates a YAML policy document and builds the store.
func Parse(data []byte) (*Store, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, contracts.Errf(contracts.CodePolicyConfig, "parse policy yaml: %v", err).WithCause(err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, contracts.Errf(contracts.CodePolicyConfig, "decode policy yaml: %v", err).WithCause(err)
	}

	s := &Store{
		policies: make(map[contracts.Jurisdiction]contracts.Policy, len(doc.Policies)),
		guards:   make(map[contracts.Jurisdiction]*GuardSet, len(doc.Policies)),
	}
	for i := range doc.Policies {
		p := applyDefaults(doc.Policies[i])
		if _, err := semver.StrictNewVersion(p.PolicyVersion); err != nil {
			return nil, contracts.Errf(contracts.CodePolicyConfig,
				"policy %s: policy_version %q is not strict semver: %v", p.Jurisdiction, p.PolicyVersion, err).WithCause(err)
		}
		if err := p.Validate(); err != nil {
			return nil, contracts.Errf(contracts.CodePolicyConfig, "policy %s: %v", p.Jurisdiction, err).WithCause(err)
		}
		if _, dup := s.policies[p.Jurisdiction]; dup {
			return nil, contracts.Errf(contracts.CodePolicyConfig, "duplicate policy for jurisdiction %s", p.Jurisdiction)
		}
		guards, err := CompileGuards(p.OverrideGuards)
		if err != nil {
			return nil, err
		}
		s.policies[p.Jurisdiction] = p
		s.guards[p.Jurisdiction] = guards
	}
	return s, nil
}

func validateSchema(raw any) error {
	// Round-trip through JSON so the schema engine sees JSON-typed values.
	jsonRaw, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return contracts.Errf(contracts.CodePolicyConfig, "normalize policy document: %v", err).WithCause(err)
	}
	var doc any
	if err := json.Unmarshal(jsonRaw, &doc); err != nil {
		return contracts.Errf(contracts.CodePolicyConfig, "normalize policy document: %v", err).WithCause(err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return contracts.Errf(contracts.CodePolicyConfig, "policy document rejected by schema: %v", err).WithCause(err)
	}
	return nil
}

// normalizeYAML converts map[any]any trees (older yaml decoders) into
// map[string]any so they marshal as JSON objects.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

func applyDefaults(p contracts.Policy) contracts.Policy {
	if p.Jurisdiction == "" {
		p.Jurisdiction = contracts.JurisdictionOther
	}
	if p.MaxRetryAttempts == 0 {
		p.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if p.InitialRetryDelayMs == 0 {
		p.InitialRetryDelayMs = DefaultInitialRetryDelayMs
	}
	if p.RetryBackoffMultiplier == 0 {
		p.RetryBackoffMultiplier = DefaultRetryBackoffMultiplier
	}
	if p.ZombieCheckIntervalDays == 0 {
		p.ZombieCheckIntervalDays = DefaultZombieDays(p.Jurisdiction)
	}
	if p.AutoDeleteThreshold == 0 {
		p.AutoDeleteThreshold = DefaultAutoDeleteThreshold
	}
	if p.ManualReviewThreshold == 0 {
		p.ManualReviewThreshold = DefaultManualReviewThreshold
	}
	if p.CertificateValidityDays == 0 {
		p.CertificateValidityDays = DefaultCertificateValidityDays
	}
	if p.HashAlgorithm == "" {
		p.HashAlgorithm = DefaultHashAlgorithm
	}
	return p
}

// For returns the policy for a jurisdiction. Unknown jurisdictions fall
// back to OTHER when present.
func (s *Store) For(j contracts.Jurisdiction) (contracts.Policy, error) {
	if p, ok := s.policies[j]; ok {
		return p, nil
	}
	if p, ok := s.policies[contracts.JurisdictionOther]; ok {
		return p, nil
	}
	known := make([]string, 0, len(s.policies))
	for k := range s.policies {
		known = append(known, string(k))
	}
	return contracts.Policy{}, contracts.Errf(contracts.CodePolicyConfig,
		"no policy for jurisdiction %s (have %s)", j, strings.Join(known, ","))
}

// Guards returns the compiled override guards for a jurisdiction, never nil.
func (s *Store) Guards(j contracts.Jurisdiction) *GuardSet {
	if g, ok := s.guards[j]; ok {
		return g
	}
	if g, ok := s.guards[contracts.JurisdictionOther]; ok {
		return g
	}
	return emptyGuards
}

// Jurisdictions lists the loaded jurisdictions.
func (s *Store) Jurisdictions() []contracts.Jurisdiction {
	out := make([]contracts.Jurisdiction, 0, len(s.policies))
	for j := range s.policies {
		out = append(out, j)
	}
	return out
}
