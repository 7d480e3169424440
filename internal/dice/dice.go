// Package dice resolves d20 skill checks.
package dice

import (
	"fmt"
	"math/rand/v2"
)

// Sides of the die rolled for a skill check.
const Sides = 20

// Roller returns a uniformly distributed die face in [1, Sides].
type Roller interface {
	RollD20() int
}

// RollerFunc adapts a plain function to the Roller interface.
type RollerFunc func() int

func (f RollerFunc) RollD20() int {
	return f()
}

type randRoller struct {
	r *rand.Rand
}

func (r randRoller) RollD20() int {
	return r.r.IntN(Sides) + 1
}

// NewRandRoller returns a Roller drawing from the given source. A nil source
// falls back to the runtime's global generator.
func NewRandRoller(src rand.Source) Roller {
	if src == nil {
		return RollerFunc(func() int { return rand.IntN(Sides) + 1 })
	}
	return randRoller{r: rand.New(src)}
}

// Outcome captures a resolved skill check.
type Outcome struct {
	Modifier int
	Roll     int
	Total    int
	DC       int
	Success  bool
}

// Verdict returns SUCCESS or FAILURE.
func (o Outcome) Verdict() string {
	if o.Success {
		return "SUCCESS"
	}
	return "FAILURE"
}

// Breakdown renders the roll arithmetic, e.g. "1d20:15 + Modifier 3 = Total of 18".
func (o Outcome) Breakdown() string {
	return fmt.Sprintf("1d20:%d + Modifier %d = Total of %d", o.Roll, o.Modifier, o.Total)
}

// Modifier derives the ability modifier from a score. Negative modifiers are
// clamped to zero.
func Modifier(abilityScore int) int {
	// Floor division; Go truncates toward zero.
	d := abilityScore - 10
	m := d / 2
	if d < 0 && d%2 != 0 {
		m--
	}
	return max(0, m)
}

// Resolver runs skill checks against a Roller.
type Resolver struct {
	roller Roller
}

// NewResolver creates a Resolver. A nil roller uses NewRandRoller(nil).
func NewResolver(roller Roller) *Resolver {
	if roller == nil {
		roller = NewRandRoller(nil)
	}
	return &Resolver{roller: roller}
}

// Resolve rolls a d20 for the given ability score and difficulty class. A
// total equal to the DC succeeds.
func (r *Resolver) Resolve(abilityScore, dc int) Outcome {
	mod := Modifier(abilityScore)
	roll := r.roller.RollD20()
	total := roll + mod
	return Outcome{
		Modifier: mod,
		Roll:     roll,
		Total:    total,
		DC:       dc,
		Success:  total >= dc,
	}
}
