package cmd

import (
	"fmt"
	"strconv"
	"strings"
)

// parseTokens parses a comma-separated token list like "1,2,3" into
// []int32, the shape every Coordinator token-stream method expects.
func parseTokens(s string) ([]int32, error) {
	parts := strings.Split(s, ",")
	out := make([]int32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token %q: %w", p, err)
		}
		out = append(out, int32(n))
	}
	return out, nil
}
