package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/events"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/kernel"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub008/pkg/pipeline"
)

// KernelProfile is a deployment's tuning document. Durations are Go duration
// strings ("10s", "2m"); unset fields keep kernel defaults.
type KernelProfile struct {
	Name string `yaml:"name"`

	Bus struct {
		QueueCapacity         int    `yaml:"queue_capacity"`
		Backpressure          string `yaml:"backpressure"`
		MaxSubscribersPerType int    `yaml:"max_subscribers_per_type"`
		DeliveryTimeout       string `yaml:"delivery_timeout"`
		MaxCascadeDepth       int    `yaml:"max_cascade_depth"`
		MaxCascadeBreadth     int    `yaml:"max_cascade_breadth"`
		ChainHistoryLimit     int    `yaml:"chain_history_limit"`
	} `yaml:"bus"`

	Overlays struct {
		DefaultTimeout    string `yaml:"default_timeout"`
		FailureThreshold  int    `yaml:"failure_threshold"`
		RecoveryTimeout   string `yaml:"recovery_timeout"`
		HistoryLimit      int    `yaml:"history_limit"`
		DegradedThreshold int    `yaml:"degraded_threshold"`
	} `yaml:"overlays"`

	Pipeline struct {
		RunDeadline      string         `yaml:"run_deadline"`
		ConcurrencyLimit int            `yaml:"concurrency_limit"`
		HistoryLimit     int            `yaml:"history_limit"`
		Phases           []PhaseProfile `yaml:"phases"`
	} `yaml:"pipeline"`

	Sandbox struct {
		MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
		DefaultFuel      uint64 `yaml:"default_fuel"`
		DefaultTimeout   string `yaml:"default_timeout"`
	} `yaml:"sandbox"`

	Admission struct {
		RatePerSec float64 `yaml:"rate_per_sec"`
		Burst      int     `yaml:"burst"`
	} `yaml:"admission"`
}

// PhaseProfile is one pipeline phase as written in the profile.
type PhaseProfile struct {
	Name          string `yaml:"name"`
	Disabled      bool   `yaml:"disabled"`
	Mode          string `yaml:"mode"`
	Timeout       string `yaml:"timeout"`
	FailurePolicy string `yaml:"failure_policy"`
}

// LoadProfile reads and parses a kernel profile YAML.
func LoadProfile(path string) (*KernelProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	var p KernelProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("profile field %s: %w", field, err)
	}
	return d, nil
}

// KernelConfig renders the profile onto kernel defaults.
func (p *KernelProfile) KernelConfig() (kernel.Config, error) {
	cfg := kernel.DefaultConfig()

	if p.Bus.QueueCapacity > 0 {
		cfg.Bus.QueueCapacity = p.Bus.QueueCapacity
	}
	if p.Bus.Backpressure != "" {
		switch bp := events.BackpressurePolicy(p.Bus.Backpressure); bp {
		case events.RejectNew, events.DropOldest:
			cfg.Bus.Backpressure = bp
		default:
			return cfg, fmt.Errorf("profile: unknown backpressure policy %q", p.Bus.Backpressure)
		}
	}
	if p.Bus.MaxSubscribersPerType > 0 {
		cfg.Bus.MaxSubscribersPerType = p.Bus.MaxSubscribersPerType
	}
	if d, err := parseDuration("bus.delivery_timeout", p.Bus.DeliveryTimeout); err != nil {
		return cfg, err
	} else if d > 0 {
		cfg.Bus.DeliveryTimeout = d
	}
	if p.Bus.MaxCascadeDepth > 0 {
		cfg.Bus.Guards.MaxDepth = p.Bus.MaxCascadeDepth
	}
	if p.Bus.MaxCascadeBreadth > 0 {
		cfg.Bus.Guards.MaxBreadth = p.Bus.MaxCascadeBreadth
	}
	if p.Bus.ChainHistoryLimit > 0 {
		cfg.Bus.ChainHistoryLimit = p.Bus.ChainHistoryLimit
	}

	if d, err := parseDuration("overlays.default_timeout", p.Overlays.DefaultTimeout); err != nil {
		return cfg, err
	} else if d > 0 {
		cfg.Manager.DefaultTimeout = d
	}
	if p.Overlays.FailureThreshold > 0 {
		cfg.Manager.Breaker.FailureThreshold = p.Overlays.FailureThreshold
	}
	if d, err := parseDuration("overlays.recovery_timeout", p.Overlays.RecoveryTimeout); err != nil {
		return cfg, err
	} else if d > 0 {
		cfg.Manager.Breaker.RecoveryTimeout = d
	}
	if p.Overlays.HistoryLimit > 0 {
		cfg.Manager.HistoryLimit = p.Overlays.HistoryLimit
	}
	if p.Overlays.DegradedThreshold > 0 {
		cfg.Manager.DegradedThreshold = p.Overlays.DegradedThreshold
	}

	if d, err := parseDuration("pipeline.run_deadline", p.Pipeline.RunDeadline); err != nil {
		return cfg, err
	} else if d > 0 {
		cfg.Pipeline.RunDeadline = d
	}
	if p.Pipeline.ConcurrencyLimit > 0 {
		cfg.Pipeline.ConcurrencyLimit = p.Pipeline.ConcurrencyLimit
	}
	if p.Pipeline.HistoryLimit > 0 {
		cfg.Pipeline.HistoryLimit = p.Pipeline.HistoryLimit
	}

	if p.Sandbox.MemoryLimitPages > 0 {
		cfg.Sandbox.MemoryLimitPages = p.Sandbox.MemoryLimitPages
	}
	if p.Sandbox.DefaultFuel > 0 {
		cfg.Sandbox.DefaultFuel = overlay.FuelBudget(p.Sandbox.DefaultFuel)
	}
	if d, err := parseDuration("sandbox.default_timeout", p.Sandbox.DefaultTimeout); err != nil {
		return cfg, err
	} else if d > 0 {
		cfg.Sandbox.DefaultTimeout = d
	}

	if p.Admission.RatePerSec > 0 || p.Admission.Burst > 0 {
		cfg.Admission = kernel.AdmissionPolicy{
			RatePerSec: p.Admission.RatePerSec,
			Burst:      p.Admission.Burst,
		}
	}
	return cfg, nil
}

// PhaseConfigs renders the profile's pipeline phase list.
func (p *KernelProfile) PhaseConfigs() ([]pipeline.PhaseConfig, error) {
	out := make([]pipeline.PhaseConfig, 0, len(p.Pipeline.Phases))
	for _, ph := range p.Pipeline.Phases {
		mode := pipeline.Sequential
		if ph.Mode != "" {
			switch m := pipeline.ExecutionMode(ph.Mode); m {
			case pipeline.Sequential, pipeline.Parallel:
				mode = m
			default:
				return nil, fmt.Errorf("profile: phase %s: unknown mode %q", ph.Name, ph.Mode)
			}
		}
		policy := pipeline.AbortPipeline
		if ph.FailurePolicy != "" {
			switch fp := pipeline.FailurePolicy(ph.FailurePolicy); fp {
			case pipeline.AbortPipeline, pipeline.ContinueDegraded:
				policy = fp
			default:
				return nil, fmt.Errorf("profile: phase %s: unknown failure policy %q", ph.Name, ph.FailurePolicy)
			}
		}
		timeout, err := parseDuration("pipeline.phases."+ph.Name+".timeout", ph.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, pipeline.PhaseConfig{
			Name:          ph.Name,
			Enabled:       !ph.Disabled,
			Mode:          mode,
			Timeout:       timeout,
			FailurePolicy: policy,
		})
	}
	return out, nil
}
