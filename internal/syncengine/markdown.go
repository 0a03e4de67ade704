package syncengine

import (
	"regexp"
	"strings"
)

var tagTokenRe = regexp.MustCompile(`^#([\p{L}\p{N}_-]+)$`)

// Document is the parsed shape of a mirrored markdown file.
type Document struct {
	Tags []string
	Body string
}

// ParseMarkdown reads a file: leading blank lines are dropped, then the first
// line is the tag directive when every token on it is a #tag. Otherwise the
// file has no tags and that line belongs to the body. The body is trimmed.
func ParseMarkdown(data []byte) Document {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimPrefix(text, "\ufeff")
	lines := strings.Split(text, "\n")

	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	if start == len(lines) {
		return Document{Tags: []string{}}
	}

	tags, ok := parseTagLine(lines[start])
	if ok {
		start++
	}
	return Document{
		Tags: tags,
		Body: strings.TrimSpace(strings.Join(lines[start:], "\n")),
	}
}

func parseTagLine(line string) ([]string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return []string{}, false
	}
	tags := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		m := tagTokenRe.FindStringSubmatch(f)
		if m == nil {
			return []string{}, false
		}
		if !seen[m[1]] {
			seen[m[1]] = true
			tags = append(tags, m[1])
		}
	}
	return tags, true
}

// RenderMarkdown is the inverse of ParseMarkdown: the tag line (empty when
// there are no tags), a blank line, then the body.
func RenderMarkdown(tags []string, body string) []byte {
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		parts = append(parts, "#"+t)
	}
	return []byte(strings.Join(parts, " ") + "\n\n" + body)
}
