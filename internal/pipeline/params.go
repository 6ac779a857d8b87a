package pipeline

import "minerd/pkg/types"

// Limits bounds job parameters before they reach a backend.
type Limits struct {
	MaxHeight     int
	MaxWidth      int
	MaxIterations int
	MaxTokens     int
	StopWords     []string
}

// ImageParams are the clamped parameters sent to an image backend.
type ImageParams struct {
	Prompt        string
	NegPrompt     string
	Height        int
	Width         int
	Steps         int
	GuidanceScale float64
	// -1 lets the backend pick a random seed.
	Seed int64
}

// ClampImage rounds dimensions down to a multiple of 8 and caps them, caps
// the iteration count, and maps an absent or negative seed to -1.
func ClampImage(in *types.ImageInput, lim Limits) ImageParams {
	p := ImageParams{
		Prompt:        in.Prompt,
		NegPrompt:     in.NegPrompt,
		Height:        clampDim(in.Height, lim.MaxHeight),
		Width:         clampDim(in.Width, lim.MaxWidth),
		Steps:         in.NumIterations,
		GuidanceScale: in.GuidanceScale,
		Seed:          -1,
	}
	if lim.MaxIterations > 0 && p.Steps > lim.MaxIterations {
		p.Steps = lim.MaxIterations
	}
	if in.Seed != nil && *in.Seed >= 0 {
		p.Seed = *in.Seed
	}
	return p
}

func clampDim(v, max int) int {
	v -= v % 8
	if max > 0 && v > max {
		v = max
	}
	return v
}

// ClampTokens caps a requested completion length.
func ClampTokens(n int, lim Limits) int {
	if lim.MaxTokens > 0 && (n <= 0 || n > lim.MaxTokens) {
		return lim.MaxTokens
	}
	return n
}
