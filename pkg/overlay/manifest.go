package overlay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// KernelVersion is the cascade kernel API version manifests constrain against.
const KernelVersion = "3.2.0"

// SecurityMode selects the execution path for an overlay.
type SecurityMode string

const (
	// SecurityTrusted runs the overlay in-process.
	SecurityTrusted SecurityMode = "trusted"
	// SecuritySandboxed routes execution through the Wasm runtime.
	SecuritySandboxed SecurityMode = "sandboxed"
	// SecurityStrict is sandboxed plus read-only datastore access and
	// mandatory query validation, regardless of declared capabilities.
	SecurityStrict SecurityMode = "strict"
)

// Sandboxed reports whether the mode routes through the Wasm runtime.
func (m SecurityMode) Sandboxed() bool {
	return m == SecuritySandboxed || m == SecurityStrict
}

// FuelBudget is the consumable execution allowance for one sandboxed
// invocation. Zero means "use the kernel default".
type FuelBudget uint64

// Manifest declares an overlay's contract with the kernel. Immutable once the
// overlay is registered; changing it requires re-registration.
type Manifest struct {
	ID           string       `yaml:"id" json:"id"`
	Name         string       `yaml:"name" json:"name"`
	Version      string       `yaml:"version" json:"version"`
	Kernel       string       `yaml:"kernel" json:"kernel"` // semver constraint, e.g. ">=3.0.0 <4"
	Capabilities []Capability `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Fuel         FuelBudget   `yaml:"fuel,omitempty" json:"fuel,omitempty"`
	Security     SecurityMode `yaml:"security" json:"security"`
	Phases       []string     `yaml:"phases,omitempty" json:"phases,omitempty"`
	EventTypes   []string     `yaml:"event_types,omitempty" json:"event_types,omitempty"`
	ModuleRef    string       `yaml:"module_ref,omitempty" json:"module_ref,omitempty"` // sha256:<hex> of the Wasm module
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// manifestSchema is the wire-shape contract for manifests loaded from
// configuration. Structural checks live here; semantic checks (capability
// enum, semver, module ref) live in Validate.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "version", "security"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "kernel": {"type": "string"},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "fuel": {"type": "integer", "minimum": 0},
    "security": {"type": "string", "enum": ["trusted", "sandboxed", "strict"]},
    "phases": {"type": "array", "items": {"type": "string"}},
    "event_types": {"type": "array", "items": {"type": "string"}},
    "module_ref": {"type": "string"},
    "timeout": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

var compiledManifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://forge.schemas.local/overlay-manifest.schema.json"
	if err := c.AddResource(url, strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("overlay manifest schema: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("overlay manifest schema: %v", err))
	}
	return s
}

// ValidateRaw checks a decoded manifest document against the JSON schema
// before it is bound to a Manifest value.
func ValidateRaw(doc map[string]any) error {
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	return nil
}

// Validate performs the semantic checks Register relies on.
func (m *Manifest) Validate() error {
	if m.ID == "" || m.Name == "" {
		return fmt.Errorf("manifest requires id and name")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("manifest %s: bad version %q: %w", m.ID, m.Version, err)
	}
	if m.Kernel != "" {
		constraint, err := semver.NewConstraint(m.Kernel)
		if err != nil {
			return fmt.Errorf("manifest %s: bad kernel constraint %q: %w", m.ID, m.Kernel, err)
		}
		if !constraint.Check(semver.MustParse(KernelVersion)) {
			return fmt.Errorf("manifest %s: kernel %s does not satisfy constraint %q", m.ID, KernelVersion, m.Kernel)
		}
	}
	if _, err := NewCapabilitySet(m.Capabilities); err != nil {
		return fmt.Errorf("manifest %s: %w", m.ID, err)
	}
	switch m.Security {
	case SecurityTrusted, SecuritySandboxed, SecurityStrict:
	default:
		return fmt.Errorf("manifest %s: unknown security mode %q", m.ID, m.Security)
	}
	if m.Security.Sandboxed() && m.ModuleRef == "" {
		return fmt.Errorf("manifest %s: sandboxed overlay requires module_ref", m.ID)
	}
	return nil
}

// CapabilitySet returns the validated declared set.
func (m *Manifest) CapabilitySet() CapabilitySet {
	set, _ := NewCapabilitySet(m.Capabilities)
	return set
}

// MarshalDoc renders the manifest as a generic document for schema validation.
func (m *Manifest) MarshalDoc() (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
