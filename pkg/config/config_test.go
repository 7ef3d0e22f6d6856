package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/config"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/pipeline"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FORGE_PORT", "")
	t.Setenv("FORGE_LOG_LEVEL", "")
	t.Setenv("FORGE_DATA_DIR", "")
	t.Setenv("FORGE_MANIFEST_DIR", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "overlays", cfg.ManifestDir)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FORGE_PORT", "9090")
	t.Setenv("FORGE_LOG_LEVEL", "DEBUG")
	t.Setenv("FORGE_REDIS_ADDR", "redis:6379")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
}

const sampleProfile = `
name: staging
bus:
  queue_capacity: 512
  backpressure: drop-oldest
  delivery_timeout: 5s
  max_cascade_depth: 4
overlays:
  failure_threshold: 3
  recovery_timeout: 10s
pipeline:
  run_deadline: 1m
  concurrency_limit: 4
  phases:
    - name: acquire
      mode: SEQUENTIAL
      failure_policy: ABORT_PIPELINE
    - name: derive
      mode: PARALLEL
      timeout: 30s
      failure_policy: CONTINUE_DEGRADED
sandbox:
  memory_limit_pages: 128
  default_fuel: 5000
admission:
  rate_per_sec: 10
  burst: 20
`

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestKernelProfile(t *testing.T) {
	p, err := config.LoadProfile(writeProfile(t, sampleProfile))
	require.NoError(t, err)
	assert.Equal(t, "staging", p.Name)

	cfg, err := p.KernelConfig()
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Bus.QueueCapacity)
	assert.Equal(t, 5*time.Second, cfg.Bus.DeliveryTimeout)
	assert.Equal(t, 4, cfg.Bus.Guards.MaxDepth)
	assert.Equal(t, 64, cfg.Bus.Guards.MaxBreadth, "unset field keeps the default")
	assert.Equal(t, 3, cfg.Manager.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Pipeline.RunDeadline)
	assert.Equal(t, uint32(128), cfg.Sandbox.MemoryLimitPages)
	assert.Equal(t, overlay.FuelBudget(5000), cfg.Sandbox.DefaultFuel)
	assert.Equal(t, float64(10), cfg.Admission.RatePerSec)

	phases, err := p.PhaseConfigs()
	require.NoError(t, err)
	require.Len(t, phases, 2)
	assert.Equal(t, pipeline.Sequential, phases[0].Mode)
	assert.True(t, phases[0].Enabled)
	assert.Equal(t, pipeline.Parallel, phases[1].Mode)
	assert.Equal(t, 30*time.Second, phases[1].Timeout)
	assert.Equal(t, pipeline.ContinueDegraded, phases[1].FailurePolicy)
}

func TestKernelProfileRejectsBadValues(t *testing.T) {
	p, err := config.LoadProfile(writeProfile(t, "bus:\n  backpressure: explode\n"))
	require.NoError(t, err)
	_, err = p.KernelConfig()
	assert.Error(t, err)

	p, err = config.LoadProfile(writeProfile(t, "pipeline:\n  phases:\n    - name: x\n      mode: DIAGONAL\n"))
	require.NoError(t, err)
	_, err = p.PhaseConfigs()
	assert.Error(t, err)
}

func TestLoadManifestDir(t *testing.T) {
	dir := t.TempDir()
	good := `
id: ov-enrich
name: Capsule Enricher
version: 1.2.0
kernel: ">=3.0.0 <4"
capabilities: [read-capsule, log]
security: trusted
event_types: [capsule.created]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "enrich.yaml"), []byte(good), 0o644))

	manifests, err := config.LoadManifestDir(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "ov-enrich", manifests[0].ID)
	assert.Equal(t, overlay.SecurityTrusted, manifests[0].Security)
}

func TestLoadManifestRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	bad := `
id: ov-x
name: X
version: 1.0.0
security: trusted
network_access: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.yaml"), []byte(bad), 0o644))
	_, err := config.LoadManifestDir(dir)
	assert.Error(t, err)
}

func TestLoadManifestDirRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	m := `
id: ov-dup
name: Dup
version: 1.0.0
security: trusted
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(m), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(m), 0o644))
	_, err := config.LoadManifestDir(dir)
	assert.Error(t, err)
}
