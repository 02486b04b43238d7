// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package chat

import (
	"fmt"
	"strings"
)

// Trajectory rendering. Steps keep a human-readable transcript of every
// exchange for post-hoc inspection; these helpers produce the fragments.
// The output is plain Markdown-ish text, one fragment per message or
// marker, joined by the step with blank lines.

// RenderBlock renders a numbered section marker, e.g. "choice 3".
func RenderBlock(name string, n int) string {
	title := fmt.Sprintf(" %s %d ", name, n)
	pad := 80 - len(title)
	if pad < 8 {
		pad = 8
	}
	left := pad / 2
	right := pad - left
	return strings.Repeat("=", left) + title + strings.Repeat("=", right)
}

// RenderException records a skipped-sample error in the transcript.
func RenderException(err error) string {
	return fmt.Sprintf("~~~exception~~~\n%v", err)
}

// RenderMessages renders each message as one transcript fragment.
func RenderMessages(messages []Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, renderMessage(m))
	}
	return out
}

func renderMessage(m Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", m.Role)
	if m.FinishReason != "" {
		fmt.Fprintf(&b, " [%s]", m.FinishReason)
	}
	if m.Count > 1 {
		fmt.Fprintf(&b, " (x%d)", m.Count)
	}
	b.WriteString("\n")
	if m.Content != "" {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	for _, tc := range m.ToolCalls {
		fmt.Fprintf(&b, "call %s(%s)\n", tc.Function.Name, tc.Function.Arguments)
	}
	if m.ToolCallID != "" {
		fmt.Fprintf(&b, "for %s\n", m.ToolCallID)
	}
	return strings.TrimRight(b.String(), "\n")
}
