package overlay

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *Manifest {
	return &Manifest{
		ID:           "ovl-analyzer",
		Name:         "analyzer",
		Version:      "1.4.0",
		Kernel:       ">=3.0.0 <4",
		Capabilities: []Capability{CapReadCapsule, CapEmitEvent},
		Security:     SecurityTrusted,
		EventTypes:   []string{"capsule.*"},
		Phases:       []string{"ANALYZE"},
		Timeout:      5 * time.Second,
	}
}

func TestManifestValidate(t *testing.T) {
	require.NoError(t, validManifest().Validate())

	t.Run("bad version", func(t *testing.T) {
		m := validManifest()
		m.Version = "one.two"
		require.Error(t, m.Validate())
	})

	t.Run("bad kernel constraint", func(t *testing.T) {
		m := validManifest()
		m.Kernel = "not-a-constraint ~~"
		require.Error(t, m.Validate())
	})

	t.Run("unsatisfied kernel constraint", func(t *testing.T) {
		m := validManifest()
		m.Kernel = ">=4.0.0"
		err := m.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not satisfy")
	})

	t.Run("unknown capability", func(t *testing.T) {
		m := validManifest()
		m.Capabilities = append(m.Capabilities, Capability("launch-missiles"))
		require.Error(t, m.Validate())
	})

	t.Run("unknown security mode", func(t *testing.T) {
		m := validManifest()
		m.Security = SecurityMode("yolo")
		require.Error(t, m.Validate())
	})

	t.Run("sandboxed requires module ref", func(t *testing.T) {
		m := validManifest()
		m.Security = SecuritySandboxed
		err := m.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "module_ref")

		m.ModuleRef = "sha256:" + strings.Repeat("ab", 32)
		require.NoError(t, m.Validate())
	})

	t.Run("strict requires module ref", func(t *testing.T) {
		m := validManifest()
		m.Security = SecurityStrict
		require.Error(t, m.Validate())
	})
}

func TestValidateRaw(t *testing.T) {
	doc, err := validManifest().MarshalDoc()
	require.NoError(t, err)
	require.NoError(t, ValidateRaw(doc))

	t.Run("missing required field", func(t *testing.T) {
		bad := map[string]any{"id": "x", "name": "x"}
		require.Error(t, ValidateRaw(bad))
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		doc, err := validManifest().MarshalDoc()
		require.NoError(t, err)
		doc["network_access"] = true
		require.Error(t, ValidateRaw(doc))
	})

	t.Run("security enum enforced", func(t *testing.T) {
		doc, err := validManifest().MarshalDoc()
		require.NoError(t, err)
		doc["security"] = "privileged"
		require.Error(t, ValidateRaw(doc))
	})
}

func TestSecurityModeSandboxed(t *testing.T) {
	assert.False(t, SecurityTrusted.Sandboxed())
	assert.True(t, SecuritySandboxed.Sandboxed())
	assert.True(t, SecurityStrict.Sandboxed())
}

func TestCapabilitySet(t *testing.T) {
	set, err := NewCapabilitySet([]Capability{CapLog, CapDatabaseRead})
	require.NoError(t, err)
	assert.True(t, set.Has(CapLog))
	assert.False(t, set.Has(CapDatabaseWrite))
	assert.Len(t, set.List(), 2)

	_, err = NewCapabilitySet([]Capability{Capability("x")})
	require.Error(t, err)
}
