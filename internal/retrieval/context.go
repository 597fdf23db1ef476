package retrieval

import (
	"fmt"
	"strings"
)

// BuildContextText renders retrieved matches as prompt context, keeping at
// most maxEach matches per source in retrieval order.
func BuildContextText(retrieved Result, maxEach int) string {
	if maxEach <= 0 {
		maxEach = 3
	}
	perSource := make(map[string]int)
	var b strings.Builder
	n := 0
	for _, m := range retrieved.Matches {
		text := strings.TrimSpace(m.Metadata.Text)
		if text == "" {
			continue
		}
		source := m.Metadata.Source
		if source == "" {
			source = "UNKNOWN"
		}
		if perSource[source] >= maxEach {
			continue
		}
		perSource[source]++
		n++

		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if m.Metadata.Section != "" {
			fmt.Fprintf(&b, "[%d] %s > %s\n", n, source, m.Metadata.Section)
		} else {
			fmt.Fprintf(&b, "[%d] %s\n", n, source)
		}
		b.WriteString(text)
	}
	return b.String()
}
