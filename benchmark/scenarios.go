package benchmark

import (
	"fmt"

	"github.com/nvr-ai/seg-eval/images"
)

// Resolution represents a model input size.
type Resolution struct {
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
	Name   string `json:"name" yaml:"name"`
}

// CommonResolutions are the input sizes DeepLab variants are usually exported at.
var CommonResolutions = []Resolution{
	{Width: 321, Height: 321, Name: "321x321"},
	{Width: 513, Height: 513, Name: "513x513"},
	{Width: 640, Height: 640, Name: "640x640"},
}

// Scenario defines a specific test configuration
type Scenario struct {
	Name       string     `json:"name" yaml:"name"`
	Resolution Resolution `json:"resolution" yaml:"resolution"`
	Iterations int        `json:"iterations" yaml:"iterations"`
	WarmupRuns int        `json:"warmup_runs" yaml:"warmup_runs"`
}

// Input returns the preprocessing of the scenario's resolution.
func (s Scenario) Input() images.InputConfig {
	return images.DefaultInputConfig(s.Resolution.Width, s.Resolution.Height)
}

// ScenarioBuilder helps build test scenarios with fluent API
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a new scenario builder
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:       name,
			Resolution: CommonResolutions[0],
			Iterations: 100,
			WarmupRuns: 10,
		},
	}
}

// WithResolution sets the model input size
func (sb *ScenarioBuilder) WithResolution(width, height int) *ScenarioBuilder {
	sb.scenario.Resolution = Resolution{
		Width:  width,
		Height: height,
		Name:   fmt.Sprintf("%dx%d", width, height),
	}
	return sb
}

// WithIterations sets the number of measured iterations
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of warmup runs
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// Build returns the configured scenario
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// QuickScenarios returns one scenario per common resolution.
func QuickScenarios(iterations int) []Scenario {
	out := make([]Scenario, 0, len(CommonResolutions))
	for _, r := range CommonResolutions {
		out = append(out, NewScenarioBuilder("quick_"+r.Name).
			WithResolution(r.Width, r.Height).
			WithIterations(iterations).
			WithWarmupRuns(iterations/10).
			Build())
	}
	return out
}
