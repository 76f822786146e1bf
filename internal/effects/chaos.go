package effects

import (
	"math/rand/v2"
	"slices"
	"strings"
)

// chaosFragments are the disruptive lines a chaos effect splices into the target's code
var chaosFragments = []string{
	"// TODO: rewrite everything",
	"while (true) { /* are we there yet? */ }",
	"console.log('why is this here');",
	"return undefined; // trust me",
	"/* the bug is on this line */",
	"let x = x + 1;",
	"if (Math.random() > 0.5) throw new Error('chaos');",
	"// off by one somewhere below",
}

// Splice inserts between least and most randomly chosen fragments at random line positions of
// content and returns the result with the fragments that were used.
func Splice(rng *rand.Rand, content string, least, most int) (string, []string) {
	count := least
	if most > least {
		count += rng.IntN(most - least + 1)
	}

	lines := strings.Split(content, "\n")
	used := make([]string, 0, count)
	for i := 0; i < count; i++ {
		fragment := chaosFragments[rng.IntN(len(chaosFragments))]
		pos := rng.IntN(len(lines) + 1)
		lines = slices.Insert(lines, pos, fragment)
		used = append(used, fragment)
	}
	return strings.Join(lines, "\n"), used
}
