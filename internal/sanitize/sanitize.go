// Package sanitize converts raw model output into display-safe
// markdown. Chart and JSON code blocks are rendered as deterministic
// tables; every other code fence is unwrapped. The output never
// contains a code-fence delimiter, and sanitizing is idempotent.
package sanitize

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Stats reports what one sanitize pass did to the text.
type Stats struct {
	ChartsRendered int
	BlocksDropped  int
	FencesStripped int
}

// Sanitizer rewrites model output for display. The zero value is not
// usable; construct with New.
type Sanitizer struct {
	nameKey  string
	valueKey string
}

// New creates a sanitizer. nameKey and valueKey select the fields read
// from chart block items; empty values default to "name" and "value".
func New(nameKey, valueKey string) *Sanitizer {
	if nameKey == "" {
		nameKey = "name"
	}
	if valueKey == "" {
		valueKey = "value"
	}
	return &Sanitizer{nameKey: nameKey, valueKey: valueKey}
}

// Sanitize rewrites raw model text for display. Chart and JSON fenced
// blocks are parsed and rendered as a two-column markdown table; blocks
// that fail to parse are dropped entirely. All other fenced blocks keep
// their body with the fence delimiters removed.
func (s *Sanitizer) Sanitize(raw string) (string, Stats) {
	var stats Stats
	var out []string

	lines := strings.Split(raw, "\n")
	for i := 0; i < len(lines); i++ {
		marker, info := fenceMarker(lines[i])
		if marker == "" {
			out = append(out, stripInlineFences(lines[i], &stats))
			continue
		}

		// Collect the block body up to the closing fence. An
		// unterminated fence consumes the rest of the text.
		stats.FencesStripped++
		var body []string
		for i++; i < len(lines); i++ {
			if m, _ := fenceMarker(lines[i]); m == marker {
				stats.FencesStripped++
				break
			}
			body = append(body, lines[i])
		}

		blockText := strings.Join(body, "\n")
		switch strings.ToLower(info) {
		case "chart", "json":
			table, ok := s.renderTable(blockText)
			if !ok {
				stats.BlocksDropped++
				continue
			}
			stats.ChartsRendered++
			out = append(out, table)
		default:
			for _, line := range body {
				out = append(out, stripInlineFences(line, &stats))
			}
		}
	}

	return collapseBlankRuns(out), stats
}

// fenceMarker reports whether a line opens or closes a code fence,
// returning the delimiter and the info string after it.
func fenceMarker(line string) (marker, info string) {
	trimmed := strings.TrimLeft(line, " \t")
	for _, m := range []string{"```", "~~~"} {
		if strings.HasPrefix(trimmed, m) {
			return m, strings.TrimSpace(strings.TrimPrefix(trimmed, m))
		}
	}
	return "", ""
}

// stripInlineFences removes fence delimiters embedded mid-line so the
// no-delimiter guarantee holds even for malformed model output.
func stripInlineFences(line string, stats *Stats) string {
	for _, m := range []string{"```", "~~~"} {
		if strings.Contains(line, m) {
			stats.FencesStripped += strings.Count(line, m)
			line = strings.ReplaceAll(line, m, "")
		}
	}
	return line
}

// renderTable parses a chart/JSON block and renders it as a markdown
// table. Accepted shapes: a bare array of objects, or an object whose
// "data" field is such an array. Every item must carry both keys.
func (s *Sanitizer) renderTable(blockText string) (string, bool) {
	blockText = strings.TrimSpace(blockText)
	if !gjson.Valid(blockText) {
		return "", false
	}

	parsed := gjson.Parse(blockText)
	items := parsed
	if parsed.IsObject() {
		items = parsed.Get("data")
	}
	if !items.IsArray() {
		return "", false
	}

	rows := items.Array()
	if len(rows) == 0 {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "| %s | %s |\n| --- | --- |\n",
		titleCase(s.nameKey), titleCase(s.valueKey))
	for _, item := range rows {
		name := item.Get(s.nameKey)
		value := item.Get(s.valueKey)
		if !name.Exists() || !value.Exists() {
			return "", false
		}
		fmt.Fprintf(&b, "| %s | %s |\n", cellText(name), cellText(value))
	}
	return strings.TrimRight(b.String(), "\n"), true
}

// cellText renders one table cell. Newlines and fence delimiters would
// break the table or the no-delimiter guarantee, so they are removed;
// pipes are escaped.
func cellText(v gjson.Result) string {
	s := strings.ReplaceAll(v.String(), "\n", " ")
	for _, m := range []string{"```", "~~~"} {
		s = strings.ReplaceAll(s, m, "")
	}
	return strings.ReplaceAll(s, "|", "\\|")
}

func titleCase(key string) string {
	if key == "" {
		return key
	}
	return strings.ToUpper(key[:1]) + key[1:]
}

// collapseBlankRuns joins output lines, folding runs of blank lines
// left behind by dropped blocks into a single blank line.
func collapseBlankRuns(lines []string) string {
	var out []string
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			out = append(out, "")
			continue
		}
		blank = 0
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
