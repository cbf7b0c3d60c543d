package agent

import "strings"

// actionVerbs is the vocabulary that flips the tools-enabled hint on.
// Best-effort: a miss only means the model decides on its own whether to
// reach for tools, so the exact list is not a correctness concern.
var actionVerbs = map[string]struct{}{
	"create":   {},
	"add":      {},
	"make":     {},
	"new":      {},
	"update":   {},
	"edit":     {},
	"change":   {},
	"rename":   {},
	"delete":   {},
	"remove":   {},
	"log":      {},
	"record":   {},
	"upload":   {},
	"attach":   {},
	"set":      {},
	"schedule": {},
	"book":     {},
	"assign":   {},
	"mark":     {},
	"complete": {},
	"send":     {},
}

// wantsTools reports whether the user's text carries action intent. It
// hints the model toward tool usage; callers can override the heuristic
// with an explicit flag.
func wantsTools(text string) bool {
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if _, ok := actionVerbs[word]; ok {
			return true
		}
	}
	return false
}
