package generate

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Models the wrapper knows how to load.
const (
	ModelSchnell = "schnell"
	ModelDev     = "dev"
)

// allowedDimensions are the image edge lengths the generation pipeline
// accepts.
var allowedDimensions = []int{256, 384, 512, 640, 768, 1024}

// maxSeed is the largest seed value the wrapper accepts.
const maxSeed = math.MaxInt32

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Request holds the parameters for one image generation.
type Request struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Model          string  `json:"model"`
	Steps          int     `json:"steps"`
	Guidance       float64 `json:"guidance"`

	// Seed of 0 means "pick one"; Normalize replaces it with a random value
	// in [1, 2^31-1] so the record always carries the effective seed.
	Seed int64 `json:"seed,omitempty"`

	Width  int `json:"width"`
	Height int `json:"height"`
}

// Validate checks every field and returns the first violation found.
func (r *Request) Validate() error {
	if r.Prompt == "" {
		return &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if r.Model != ModelSchnell && r.Model != ModelDev {
		return &ValidationError{Field: "model", Reason: fmt.Sprintf("must be %q or %q", ModelSchnell, ModelDev)}
	}
	if r.Steps <= 0 {
		return &ValidationError{Field: "steps", Reason: "must be positive"}
	}
	if r.Guidance <= 0 {
		return &ValidationError{Field: "guidance", Reason: "must be positive"}
	}
	if r.Seed < 0 || r.Seed > maxSeed {
		return &ValidationError{Field: "seed", Reason: fmt.Sprintf("must be in [1, %d]", maxSeed)}
	}
	if !dimensionAllowed(r.Width) {
		return &ValidationError{Field: "width", Reason: fmt.Sprintf("must be one of %v", allowedDimensions)}
	}
	if !dimensionAllowed(r.Height) {
		return &ValidationError{Field: "height", Reason: fmt.Sprintf("must be one of %v", allowedDimensions)}
	}
	return nil
}

// Normalize fills derived fields. Must be called after Validate and before
// dispatch.
func (r *Request) Normalize() {
	if r.Seed == 0 {
		r.Seed = 1 + rand.Int64N(maxSeed)
	}
}

// Argv renders the request as the wrapper's positional arguments:
// prompt model steps guidance seed width height.
func (r *Request) Argv() []string {
	return []string{
		r.Prompt,
		r.Model,
		fmt.Sprintf("%d", r.Steps),
		fmt.Sprintf("%g", r.Guidance),
		fmt.Sprintf("%d", r.Seed),
		fmt.Sprintf("%d", r.Width),
		fmt.Sprintf("%d", r.Height),
	}
}

func dimensionAllowed(n int) bool {
	for _, d := range allowedDimensions {
		if n == d {
			return true
		}
	}
	return false
}
