package history

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hivedesk/assistant/internal/llm"
)

// PruneOptions caps the size of stored tool-result payloads.
type PruneOptions struct {
	// MaxItems is the number of array items kept. Default 10.
	MaxItems int
	// MaxStringLen is the rune length at which string fields are
	// truncated. Default 500.
	MaxStringLen int
}

func (o PruneOptions) withDefaults() PruneOptions {
	if o.MaxItems <= 0 {
		o.MaxItems = 10
	}
	if o.MaxStringLen <= 0 {
		o.MaxStringLen = 500
	}
	return o
}

// PruneToolResult reduces a large success payload to a capped set of
// fields and items before it is stored and resent to the model. The
// output always preserves a success flag and a count so the model can
// reason about truncation without seeing raw bulk data. Failure results
// pass through unchanged.
func (r *Reducer) PruneToolResult(res llm.ToolResult) llm.ToolResult {
	if !res.OK || len(res.Payload) == 0 {
		return res
	}

	parsed := gjson.ParseBytes(res.Payload)
	switch {
	case parsed.IsArray():
		res.Payload = r.pruneArray(parsed)
	case parsed.IsObject():
		res.Payload = r.pruneObject(res.Payload, parsed)
	case parsed.Type == gjson.String:
		if truncated, changed := truncate(parsed.String(), r.prune.MaxStringLen); changed {
			raw, _ := json.Marshal(truncated)
			res.Payload = raw
		}
	}
	return res
}

// pruneArray rewraps a bare result array as {success, count, items} with
// the item list capped.
func (r *Reducer) pruneArray(parsed gjson.Result) json.RawMessage {
	items := parsed.Array()
	count := len(items)

	out := `{"success":true,"count":0,"items":[]}`
	out, _ = sjson.Set(out, "count", count)
	for i, item := range items {
		if i >= r.prune.MaxItems {
			break
		}
		out, _ = sjson.SetRaw(out, "items.-1", r.pruneValue(item))
	}
	return json.RawMessage(out)
}

// pruneObject caps top-level array fields and long strings in place,
// recording the original length of each capped array in a sibling
// "<key>_total" field. A success flag is added when absent.
func (r *Reducer) pruneObject(raw json.RawMessage, parsed gjson.Result) json.RawMessage {
	out := string(raw)
	pruned := false

	parsed.ForEach(func(key, value gjson.Result) bool {
		k := pathKey(key.String())
		switch {
		case value.IsArray():
			items := value.Array()
			if len(items) <= r.prune.MaxItems {
				return true
			}
			capped := "[]"
			for i := 0; i < r.prune.MaxItems; i++ {
				capped, _ = sjson.SetRaw(capped, "-1", r.pruneValue(items[i]))
			}
			out, _ = sjson.SetRaw(out, k, capped)
			out, _ = sjson.Set(out, k+"_total", len(items))
			pruned = true
		case value.Type == gjson.String:
			if truncated, changed := truncate(value.String(), r.prune.MaxStringLen); changed {
				out, _ = sjson.Set(out, k, truncated)
				pruned = true
			}
		}
		return true
	})

	if !gjson.Get(out, "success").Exists() {
		out, _ = sjson.Set(out, "success", true)
	}
	if pruned && !gjson.Get(out, "truncated").Exists() {
		out, _ = sjson.Set(out, "truncated", true)
	}
	return json.RawMessage(out)
}

// pruneValue truncates long string scalars and long string fields inside
// one array item, returning raw JSON.
func (r *Reducer) pruneValue(item gjson.Result) string {
	if item.Type == gjson.String {
		if truncated, changed := truncate(item.String(), r.prune.MaxStringLen); changed {
			raw, _ := json.Marshal(truncated)
			return string(raw)
		}
		return item.Raw
	}
	if !item.IsObject() {
		return item.Raw
	}

	out := item.Raw
	item.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String {
			if truncated, changed := truncate(value.String(), r.prune.MaxStringLen); changed {
				out, _ = sjson.Set(out, pathKey(key.String()), truncated)
			}
		}
		return true
	})
	return out
}

// pathKey escapes sjson path metacharacters so a raw object key like
// "notifications.digest" addresses the key itself, not a nested path.
func pathKey(key string) string {
	return pathEscaper.Replace(key)
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`)

func truncate(s string, max int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return fmt.Sprintf("%s… (%d chars truncated)", string(runes[:max]), len(runes)-max), true
}
