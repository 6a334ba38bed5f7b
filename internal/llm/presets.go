package llm

import (
	"time"

	"memscreen/internal/config"
)

// Use-case tags understood by the preset table.
const (
	UseCaseChat     = "chat"
	UseCaseChatFast = "chat_fast"
	UseCaseVision   = "vision"
	UseCaseSummary  = "summary"
	UseCaseSearch   = "search"
	UseCaseMemory   = "memory"
)

// presets are the per-use-case generation defaults. The memory preset runs
// the coldest sampling so update plans and conflict verdicts stay anchored
// to the retrieved context instead of inventing facts.
var presets = map[string]Options{
	UseCaseChat:     {Temperature: 0.7, MaxTokens: 2000, TopP: 0.9, TopK: 40},
	UseCaseChatFast: {Temperature: 0.7, MaxTokens: 600, TopP: 0.9, TopK: 40},
	UseCaseVision:   {Temperature: 0.3, MaxTokens: 1024, TopP: 0.8, TopK: 40},
	UseCaseSummary:  {Temperature: 0.3, MaxTokens: 800, TopP: 0.8, TopK: 40},
	UseCaseSearch:   {Temperature: 0.1, MaxTokens: 400, TopP: 0.6, TopK: 20},
	UseCaseMemory:   {Temperature: 0.2, MaxTokens: 2000, TopP: 0.5, TopK: 20},
}

// timeouts are the per-use-case request deadlines applied when the caller's
// context carries none.
var timeouts = map[string]time.Duration{
	UseCaseChat:     60 * time.Second,
	UseCaseChatFast: 30 * time.Second,
	UseCaseVision:   90 * time.Second,
	UseCaseSummary:  60 * time.Second,
	UseCaseSearch:   30 * time.Second,
	UseCaseMemory:   60 * time.Second,
}

// Preset returns the generation defaults for a use-case tag; unknown tags
// get the chat preset.
func Preset(useCase string) Options {
	if p, ok := presets[useCase]; ok {
		return p
	}
	return presets[UseCaseChat]
}

// TimeoutFor returns the request deadline for a use-case tag.
func TimeoutFor(useCase string) time.Duration {
	if d, ok := timeouts[useCase]; ok {
		return d
	}
	return 60 * time.Second
}

// withDefaults fills zero-valued generation fields, first from the use-case
// preset when one is tagged, then from the provider's configured defaults.
// Explicit per-call values always win.
func (o Options) withDefaults(cfg config.LLMOptions) Options {
	if o.UseCase != "" {
		preset := Preset(o.UseCase)
		if o.Temperature == 0 {
			o.Temperature = preset.Temperature
		}
		if o.MaxTokens == 0 {
			o.MaxTokens = preset.MaxTokens
		}
		if o.TopP == 0 {
			o.TopP = preset.TopP
		}
		if o.TopK == 0 {
			o.TopK = preset.TopK
		}
	}
	if o.Temperature == 0 {
		o.Temperature = cfg.Temperature
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = cfg.MaxTokens
	}
	if o.TopP == 0 {
		o.TopP = cfg.TopP
	}
	if o.TopK == 0 {
		o.TopK = cfg.TopK
	}
	if o.NumCtx == 0 {
		o.NumCtx = cfg.NumCtx
	}
	if o.RepeatPenalty == 0 {
		o.RepeatPenalty = cfg.RepeatPenalty
	}
	return o
}
