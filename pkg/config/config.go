// Package config loads the §6 configuration option set from a YAML file,
// with per-environment override sections layered on top of a set of
// baseline defaults. Grounded on the teacher's apply.go: a plain struct
// tree unmarshalled with gopkg.in/yaml.v3, no schema-validation library.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/warrendeploy/pkg/health"
	"github.com/cuemby/warrendeploy/pkg/log"
	"github.com/cuemby/warrendeploy/pkg/orchestrator"
	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/strategy"
	"github.com/cuemby/warrendeploy/pkg/types"
	"gopkg.in/yaml.v3"
)

// Options is the full §6 configuration option set, as parsed from YAML. All
// duration fields are plain strings in the file (e.g. "30s", "24h") and
// parsed with time.ParseDuration; this matches how the teacher's own
// deployment manifests represent durations in apply.go's spec maps.
type Options struct {
	HeartbeatInterval          string             `yaml:"heartbeatInterval"`
	HeartbeatGrace             string             `yaml:"heartbeatGrace"`
	MinHealthyFraction         map[string]float64 `yaml:"minHealthyFraction"`
	BatchSize                  int                `yaml:"batchSize"`
	MaxUnavailable             int                `yaml:"maxUnavailable"`
	Parallelism                int                `yaml:"parallelism"`
	BlueGreenReadinessFraction float64            `yaml:"blueGreenReadinessFraction"`
	BlueHoldWindow             string             `yaml:"blueHoldWindow"`
	CanarySteps                []int              `yaml:"canarySteps"`
	StepHoldWindow             string             `yaml:"stepHoldWindow"`
	ErrorRateBudget            float64            `yaml:"errorRateBudget"`
	ErrorRateBudgetCanary      float64            `yaml:"errorRateBudget_canary"`
	P95LatencyBudgetMs         float64            `yaml:"p95LatencyBudgetMs"`
	ErrorRateRegressionBudget  float64            `yaml:"errorRateRegressionBudget"`
	LatencyRegressionBudgetMs  float64            `yaml:"latencyRegressionBudgetMs"`
	ApprovalTimeout            string             `yaml:"approvalTimeout"`
	QueueWait                  string             `yaml:"queueWait"`
	ResultRetention            string             `yaml:"resultRetention"`
	DirectSettleTimeout        string             `yaml:"directSettleTimeout"`
	BatchSettleWindow          string             `yaml:"batchSettleWindow"`
	PostValidateWindow         string             `yaml:"postValidateWindow"`
	SampleInterval             string             `yaml:"sampleInterval"`
	StageTimeout               string             `yaml:"stageTimeout"`

	// Environments holds per-environment overrides, keyed by the lowercase
	// environment name ("development", "qa", "staging", "production"). Any
	// field left zero-valued in an override inherits the top-level default.
	Environments map[string]Options `yaml:"environments,omitempty"`

	// Clusters seeds the in-process node registry for the CLI, since a
	// standalone control-plane with live node check-ins is out of scope
	// (spec.md §1 Non-goals). Each entry lists the nodes a given
	// environment's cluster currently has; the CLI registers them and
	// records an initial healthy heartbeat before running a command.
	Clusters map[string][]NodeSeed `yaml:"clusters,omitempty"`
}

// NodeSeed describes one node to register into an environment's cluster at
// CLI startup.
type NodeSeed struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// File is the root document shape: a top-level default Options plus the
// environment-scoped override map, matching spec.md §6's description of
// "per-env defaults" for several fields.
type File struct {
	Options `yaml:",inline"`
}

// Load reads and parses a YAML configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &f, nil
}

// ForEnvironment resolves the effective Options for env by layering that
// environment's override section (if present) on top of the top-level
// defaults. Zero-valued override fields fall through to the default.
func (f *File) ForEnvironment(env types.Environment) Options {
	eff := f.Options
	eff.Environments = nil
	override, ok := f.Environments[string(env)]
	if !ok {
		return eff
	}
	merge(&eff, override)
	return eff
}

func merge(dst *Options, src Options) {
	if src.HeartbeatInterval != "" {
		dst.HeartbeatInterval = src.HeartbeatInterval
	}
	if src.HeartbeatGrace != "" {
		dst.HeartbeatGrace = src.HeartbeatGrace
	}
	if src.MinHealthyFraction != nil {
		dst.MinHealthyFraction = src.MinHealthyFraction
	}
	if src.BatchSize != 0 {
		dst.BatchSize = src.BatchSize
	}
	if src.MaxUnavailable != 0 {
		dst.MaxUnavailable = src.MaxUnavailable
	}
	if src.Parallelism != 0 {
		dst.Parallelism = src.Parallelism
	}
	if src.BlueGreenReadinessFraction != 0 {
		dst.BlueGreenReadinessFraction = src.BlueGreenReadinessFraction
	}
	if src.BlueHoldWindow != "" {
		dst.BlueHoldWindow = src.BlueHoldWindow
	}
	if len(src.CanarySteps) > 0 {
		dst.CanarySteps = src.CanarySteps
	}
	if src.StepHoldWindow != "" {
		dst.StepHoldWindow = src.StepHoldWindow
	}
	if src.ErrorRateBudget != 0 {
		dst.ErrorRateBudget = src.ErrorRateBudget
	}
	if src.ErrorRateBudgetCanary != 0 {
		dst.ErrorRateBudgetCanary = src.ErrorRateBudgetCanary
	}
	if src.P95LatencyBudgetMs != 0 {
		dst.P95LatencyBudgetMs = src.P95LatencyBudgetMs
	}
	if src.ErrorRateRegressionBudget != 0 {
		dst.ErrorRateRegressionBudget = src.ErrorRateRegressionBudget
	}
	if src.LatencyRegressionBudgetMs != 0 {
		dst.LatencyRegressionBudgetMs = src.LatencyRegressionBudgetMs
	}
	if src.ApprovalTimeout != "" {
		dst.ApprovalTimeout = src.ApprovalTimeout
	}
	if src.QueueWait != "" {
		dst.QueueWait = src.QueueWait
	}
	if src.ResultRetention != "" {
		dst.ResultRetention = src.ResultRetention
	}
	if src.DirectSettleTimeout != "" {
		dst.DirectSettleTimeout = src.DirectSettleTimeout
	}
	if src.BatchSettleWindow != "" {
		dst.BatchSettleWindow = src.BatchSettleWindow
	}
	if src.PostValidateWindow != "" {
		dst.PostValidateWindow = src.PostValidateWindow
	}
	if src.SampleInterval != "" {
		dst.SampleInterval = src.SampleInterval
	}
	if src.StageTimeout != "" {
		dst.StageTimeout = src.StageTimeout
	}
}

// Default returns the §6-documented defaults as a File with no environment
// overrides, used when no config file is supplied.
func Default() *File {
	return &File{Options: Options{
		HeartbeatInterval:          "5s",
		HeartbeatGrace:             "30s",
		BatchSize:                  2,
		Parallelism:                0,
		BlueGreenReadinessFraction: 0.95,
		BlueHoldWindow:             "15m",
		CanarySteps:                []int{10, 30, 50, 100},
		StepHoldWindow:             "5m",
		ErrorRateBudget:            0.01,
		ErrorRateBudgetCanary:      0.005,
		P95LatencyBudgetMs:         500,
		ErrorRateRegressionBudget:  0.005,
		LatencyRegressionBudgetMs:  50,
		ApprovalTimeout:            "24h",
		QueueWait:                  "60s",
		ResultRetention:            "168h",
		DirectSettleTimeout:        "60s",
		BatchSettleWindow:          "2m",
		PostValidateWindow:         "5m",
		SampleInterval:             "5s",
		StageTimeout:               "10m",
		MinHealthyFraction: map[string]float64{
			"development": 0.5,
			"qa":          0.5,
			"staging":     0.66,
			"production":  0.75,
		},
	}}
}

// SeedRegistry configures each environment's cluster from the file's
// Clusters section and registers its nodes with a healthy heartbeat, so a
// freshly started CLI process has the same cluster view on every
// invocation.
func SeedRegistry(reg *registry.Registry, f *File) error {
	for envName, nodes := range f.Clusters {
		env := types.Environment(envName)
		reg.ConfigureCluster(env, envName+"-cluster")
		for _, n := range nodes {
			if err := reg.Register(env, &types.Node{ID: n.ID, Address: n.Address}); err != nil {
				return fmt.Errorf("register node %s: %w", n.ID, err)
			}
			if err := reg.Heartbeat(n.ID, types.HealthSnapshot{}); err != nil {
				return fmt.Errorf("heartbeat node %s: %w", n.ID, err)
			}
		}
	}
	return nil
}

func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Logger.Warn().Str("value", s).Err(err).Msg("invalid duration in config, using fallback")
		return fallback
	}
	return d
}

// Resolved is the fully-typed, per-environment configuration handed to the
// components that consume it — the YAML string/float/int fields above
// converted into the concrete Config/Thresholds/Budgets types each package
// exposes.
type Resolved struct {
	Registry     registry.Thresholds
	Strategy     strategy.Config
	Health       health.Budgets
	Orchestrator orchestrator.Config
}

// Resolve converts an environment's Options into the typed configuration
// structs pkg/registry, pkg/strategy, pkg/health and pkg/orchestrator expect.
func Resolve(env types.Environment, opts Options) Resolved {
	regDefaults := registry.DefaultThresholds()
	stratDefaults := strategy.DefaultConfig()
	healthDefaults := health.DefaultBudgets()
	orchDefaults := orchestrator.DefaultConfig()

	minHealthy := make(map[types.Environment]float64, len(regDefaults.MinHealthyFraction))
	for k, v := range regDefaults.MinHealthyFraction {
		minHealthy[k] = v
	}
	for k, v := range opts.MinHealthyFraction {
		minHealthy[types.Environment(k)] = v
	}

	reg := registry.Thresholds{
		HeartbeatGrace:     duration(opts.HeartbeatGrace, regDefaults.HeartbeatGrace),
		CPUDegradedPct:     regDefaults.CPUDegradedPct,
		MemDegradedPct:     regDefaults.MemDegradedPct,
		ErrorRateDegraded:  regDefaults.ErrorRateDegraded,
		LatencyBudgetMs:    valueOr(opts.P95LatencyBudgetMs, regDefaults.LatencyBudgetMs),
		MinHealthyFraction: minHealthy,
	}

	strat := strategy.Config{
		Parallelism:                valueOrInt(opts.Parallelism, stratDefaults.Parallelism),
		DirectSettleTimeout:        duration(opts.DirectSettleTimeout, stratDefaults.DirectSettleTimeout),
		BatchSize:                  valueOrInt(opts.BatchSize, stratDefaults.BatchSize),
		MaxUnavailable:             valueOrInt(opts.MaxUnavailable, stratDefaults.MaxUnavailable),
		BatchSettleWindow:          duration(opts.BatchSettleWindow, stratDefaults.BatchSettleWindow),
		BlueGreenReadinessFraction: valueOr(opts.BlueGreenReadinessFraction, stratDefaults.BlueGreenReadinessFraction),
		BlueHoldWindow:             duration(opts.BlueHoldWindow, stratDefaults.BlueHoldWindow),
		CanarySteps:                stepsOr(opts.CanarySteps, stratDefaults.CanarySteps),
		StepHoldWindow:             duration(opts.StepHoldWindow, stratDefaults.StepHoldWindow),
		ErrorRateRegressionBudget:  valueOr(opts.ErrorRateRegressionBudget, stratDefaults.ErrorRateRegressionBudget),
		LatencyRegressionBudget:    valueOr(opts.LatencyRegressionBudgetMs, stratDefaults.LatencyRegressionBudget),
	}

	budg := healthDefaults
	budg.ErrorRateBudget = valueOr(opts.ErrorRateBudget, budg.ErrorRateBudget)
	budg.LatencyBudgetMs = valueOr(opts.P95LatencyBudgetMs, budg.LatencyBudgetMs)
	budg.SampleInterval = duration(opts.SampleInterval, budg.SampleInterval)

	orch := orchDefaults
	orch.QueueWait = duration(opts.QueueWait, orchDefaults.QueueWait)
	orch.Pipeline.ApprovalTimeout = duration(opts.ApprovalTimeout, orchDefaults.Pipeline.ApprovalTimeout)
	orch.Pipeline.PostValidateWindow = duration(opts.PostValidateWindow, orchDefaults.Pipeline.PostValidateWindow)
	orch.Pipeline.StageTimeout = duration(opts.StageTimeout, orchDefaults.Pipeline.StageTimeout)
	orch.Strategy = strat

	return Resolved{Registry: reg, Strategy: strat, Health: budg, Orchestrator: orch}
}

func valueOr(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func valueOrInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func stepsOr(v []int, fallback []int) []int {
	if len(v) == 0 {
		return fallback
	}
	return v
}

// TrackerRetention parses the resultRetention option, falling back to the
// §6 default of 7 days.
func (o Options) TrackerRetention() time.Duration {
	return duration(o.ResultRetention, 7*24*time.Hour)
}

// HeartbeatIntervalDuration parses the heartbeatInterval option, falling
// back to the §6 default of 5s.
func (o Options) HeartbeatIntervalDuration() time.Duration {
	return duration(o.HeartbeatInterval, 5*time.Second)
}
