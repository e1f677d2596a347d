package llmgateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/templatefabric/model"
)

func testRegistry() *model.Registry {
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityWriting: {Preferred: []string{"priced-model"}},
			model.CapabilityFast:    {Preferred: []string{"unpriced-model"}},
		},
		map[string]*model.EndpointConfig{
			"priced-model":   {Provider: "anthropic", Model: "priced", CostPer1kIn: 0.01, CostPer1kOut: 0.03},
			"unpriced-model": {Provider: "ollama", Model: "unpriced"},
		},
	)
}

func TestCostComputesFromEndpointRates(t *testing.T) {
	est := newCostEstimator(testRegistry())
	cost, estimated := est.cost("priced-model", 1000, 500)
	assert.False(t, estimated)
	assert.InDelta(t, 0.01+0.015, cost, 1e-9)
}

func TestCostReturnsEstimatedWhenModelUnpriced(t *testing.T) {
	est := newCostEstimator(testRegistry())
	cost, estimated := est.cost("unpriced-model", 1000, 500)
	assert.True(t, estimated)
	assert.Zero(t, cost)
}

func TestCostReturnsEstimatedWhenModelUnknown(t *testing.T) {
	est := newCostEstimator(testRegistry())
	cost, estimated := est.cost("no-such-model", 1000, 500)
	assert.True(t, estimated)
	assert.Zero(t, cost)
}

func TestEstimateTokensNaiveFallback(t *testing.T) {
	assert.Equal(t, 0, estimateTokensNaive(""))
	assert.Equal(t, 1, estimateTokensNaive("abc"))
	assert.Equal(t, 3, estimateTokensNaive("exactly ten"))
}

func TestProjectedCostUsesFirstFallbackChainModel(t *testing.T) {
	est := newCostEstimator(testRegistry())
	cost := est.projectedCost(model.CapabilityWriting, "a short prompt")
	assert.Greater(t, cost, 0.0)
}

func TestProjectedCostZeroForUnpricedCapability(t *testing.T) {
	est := newCostEstimator(testRegistry())
	cost := est.projectedCost(model.CapabilityFast, "a short prompt")
	assert.Zero(t, cost)
}

func TestProjectedCostZeroForUnknownCapability(t *testing.T) {
	est := newCostEstimator(testRegistry())
	cost := est.projectedCost(model.Capability("nonexistent"), "a short prompt")
	assert.Zero(t, cost)
}
