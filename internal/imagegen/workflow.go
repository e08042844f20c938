package imagegen

import (
	"math/rand"
)

// Shared inference parameters. Fixed on purpose: every job runs the same
// graph shape so the provider's duration stays roughly uniform and the
// polling budget stays meaningful.
const (
	imageWidth  = 832
	imageHeight = 1216
	stepCount   = 28
	cfgScale    = 4.5
	samplerName = "dpmpp_2m_sde_gpu"
)

// BuildWorkflow assembles the fixed-shape generation graph for a prompt.
// Only the prompt text, the style adapter and the seed vary between jobs.
func BuildWorkflow(prompt, style string, seed int64) map[string]any {
	wf := map[string]any{
		"prompt": map[string]any{
			"text": prompt,
		},
		"negative_prompt": map[string]any{
			"text": "lowres, bad anatomy, watermark, signature, text",
		},
		"sampler": map[string]any{
			"seed":      seed,
			"steps":     stepCount,
			"cfg":       cfgScale,
			"name":      samplerName,
			"scheduler": "karras",
		},
		"latent": map[string]any{
			"width":  imageWidth,
			"height": imageHeight,
			"batch":  1,
		},
	}
	if style != "" {
		wf["style"] = map[string]any{"name": style}
	}
	return wf
}

// NewSeed returns a random non-negative workflow seed.
func NewSeed() int64 {
	return rand.Int63()
}
