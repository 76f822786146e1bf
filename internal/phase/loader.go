package phase

import (
	"context"
	"fmt"
	"strings"
)

// StarterLoader produces a starter editor buffer naming the agreed topics. It stands in for
// the problem catalogue, which lives outside this service.
type StarterLoader struct{}

// Load returns the starter content for topics
func (StarterLoader) Load(ctx context.Context, sessionID string, topics []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "// battle %s\n", sessionID)
	fmt.Fprintf(&b, "// topics: %s\n", strings.Join(topics, ", "))
	b.WriteString("\nfunction solve(input) {\n  \n}\n")
	return b.String(), nil
}
