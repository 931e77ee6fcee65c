// Package dream implements the Dream Controller: a long-running
// exploration loop that repeatedly submits mutated generation jobs at
// BACKGROUND priority, steerable live via dream:guide.
package dream

import (
	"fmt"
	"math/rand"

	"orchestratord/pkg/types"
)

// Tick is the mutated job parameters one strategy step produces.
type Tick struct {
	Prompt string
	Steps  int
	CFG    float64
	Seed   uint64
}

// Strategy picks the next mutation given the controller's live state.
// Strategies are registered by name; dream:start selects one and falls
// back to "random" for unknown names.
type Strategy interface {
	Name() string
	Tick(basePrompt string, temperature float64, defaults types.ModeDefaults, rng *rand.Rand) Tick
}

var suffixes = []string{
	"golden hour", "cinematic lighting", "highly detailed", "volumetric fog",
	"depth of field", "vivid colors", "soft focus", "dramatic shadows",
	"wide angle", "hyperrealistic", "film grain", "pastel palette",
}

// clip20 mutates v by +/-20% and clamps to [lo,hi].
func clip20(rng *rand.Rand, v, lo, hi float64) float64 {
	delta := (rng.Float64()*2 - 1) * 0.2 * v
	out := v + delta
	if out < lo {
		out = lo
	}
	if out > hi {
		out = hi
	}
	return out
}

func baseline(defaults types.ModeDefaults) (int, float64) {
	steps := defaults.Steps
	if steps <= 0 {
		steps = 20
	}
	guidance := defaults.Guidance
	if guidance <= 0 {
		guidance = 7.5
	}
	return steps, guidance
}

// randomStrategy is the default tick algorithm: a suffix list drawn
// uniformly with count proportional to temperature, plus +/-20% jitter
// on steps/guidance and a fresh random seed every tick.
type randomStrategy struct{}

func (randomStrategy) Name() string { return "random" }

func (randomStrategy) Tick(basePrompt string, temperature float64, defaults types.ModeDefaults, rng *rand.Rand) Tick {
	steps, guidance := baseline(defaults)
	count := int(temperature * float64(len(suffixes)))
	if count < 1 {
		count = 1
	}
	prompt := basePrompt
	for i := 0; i < count && i < len(suffixes); i++ {
		prompt = fmt.Sprintf("%s, %s", prompt, suffixes[rng.Intn(len(suffixes))])
	}
	return Tick{
		Prompt: prompt,
		Steps:  int(clip20(rng, float64(steps), 1, 150)),
		CFG:    clip20(rng, guidance, 0, 30),
		Seed:   rng.Uint64(),
	}
}

// linearWalkStrategy advances guidance monotonically each tick instead of
// jittering it, producing a smooth sweep rather than noise — useful for
// side-by-side comparisons of a single prompt across cfg values.
type linearWalkStrategy struct {
	step float64
}

func (s *linearWalkStrategy) Name() string { return "linear-walk" }

func (s *linearWalkStrategy) Tick(basePrompt string, temperature float64, defaults types.ModeDefaults, rng *rand.Rand) Tick {
	steps, guidance := baseline(defaults)
	s.step += 0.2 + temperature
	cfg := guidance + s.step
	if cfg > 30 {
		s.step = 0
		cfg = guidance
	}
	return Tick{Prompt: basePrompt, Steps: steps, CFG: cfg, Seed: rng.Uint64()}
}

// temperatureScheduleStrategy anneals temperature down over the
// session's lifetime, producing increasingly conservative mutations the
// longer the session runs.
type temperatureScheduleStrategy struct {
	ticks int
}

func (s *temperatureScheduleStrategy) Name() string { return "temperature-schedule" }

func (s *temperatureScheduleStrategy) Tick(basePrompt string, temperature float64, defaults types.ModeDefaults, rng *rand.Rand) Tick {
	s.ticks++
	effective := temperature / float64(1+s.ticks/10)
	return randomStrategy{}.Tick(basePrompt, effective, defaults, rng)
}

// NewStrategy resolves a strategy by name, defaulting to "random" for an
// unknown or empty name so dream:start never fails on this field.
func NewStrategy(name string) Strategy {
	switch name {
	case "linear-walk":
		return &linearWalkStrategy{}
	case "temperature-schedule":
		return &temperatureScheduleStrategy{}
	default:
		return randomStrategy{}
	}
}
