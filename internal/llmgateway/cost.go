package llmgateway

import (
	"strings"
	"sync"

	"github.com/c360studio/templatefabric/model"
	"github.com/pkoukk/tiktoken-go"
)

// tiktokenEncoding is the BPE vocabulary most chat-completion models in the
// registry are trained against closely enough for an estimate to be useful.
const tiktokenEncoding = "cl100k_base"

// costEstimator turns token counts into USD using a model's configured
// per-1k rates, and estimates token counts from raw text when a provider
// response omits usage (or before a call, for quota pre-checks).
type costEstimator struct {
	registry *model.Registry

	mu  sync.Mutex
	enc *tiktoken.Tiktoken // lazily initialized; nil means fall back to len/4
	ok  bool
}

func newCostEstimator(registry *model.Registry) *costEstimator {
	return &costEstimator{registry: registry}
}

// estimateTokens counts tokens in text using tiktoken-go when available,
// falling back to the well-known len(text)/4 heuristic otherwise (the same
// fallback used for providers that omit usage).
func (c *costEstimator) estimateTokens(text string) int {
	enc := c.encoding()
	if enc == nil {
		return estimateTokensNaive(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func estimateTokensNaive(text string) int {
	return (len(text) + 3) / 4
}

func (c *costEstimator) encoding() *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enc != nil || c.ok {
		return c.enc
	}
	c.ok = true // only try once; tiktoken-go may fetch a BPE file over the network

	enc, err := tiktoken.GetEncoding(tiktokenEncoding)
	if err != nil {
		return nil
	}
	c.enc = enc
	return c.enc
}

// cost computes the USD cost of a call to modelName given actual (or
// estimated) token counts. estimated is true when the registry has no
// pricing configured for the model, in which case cost is always 0 — the
// caller decides whether to warn or simply record the call as unpriced.
func (c *costEstimator) cost(modelName string, tokensIn, tokensOut int) (costUSD float64, estimated bool) {
	ep := c.registry.GetEndpoint(modelName)
	if ep == nil || (ep.CostPer1kIn == 0 && ep.CostPer1kOut == 0) {
		return 0, true
	}

	costUSD = (float64(tokensIn)/1000)*ep.CostPer1kIn + (float64(tokensOut)/1000)*ep.CostPer1kOut
	return costUSD, false
}

// projectedCost estimates the USD cost of the prompt tokens alone on a
// capability's preferred model before the call is made, for the pre-call
// quota check. It returns 0 when that model has no pricing configured.
func (c *costEstimator) projectedCost(capability model.Capability, prompt string) float64 {
	chain := c.registry.GetFallbackChain(capability)
	if len(chain) == 0 {
		return 0
	}
	tokensIn := c.estimateTokens(prompt)
	cost, estimated := c.cost(chain[0], tokensIn, 0)
	if estimated {
		return 0
	}
	return cost
}

// sanitizeModelName guards against provider responses echoing back a model
// string the registry doesn't know about (e.g. a versioned alias) — cost
// lookups degrade to "unpriced" rather than panicking.
func sanitizeModelName(name string) string {
	return strings.TrimSpace(name)
}
