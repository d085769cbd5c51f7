// Package card sanitizes capability cards: the structured, purely
// informational advertisement a node attaches to its registry entry.
//
// The registry stores and returns cards but never interprets them, so the
// sanitizer is deliberately forgiving: unknown keys are dropped, wrongly
// typed values are dropped, strings are trimmed and length-capped. A card
// never causes a registration to fail.
package card

import "strings"

const (
	maxString   = 500
	maxListItem = 200
	maxItems    = 50
)

// Sanitize returns a cleaned copy of the card containing only recognized,
// well-typed fields. A nil or empty input yields an empty map.
func Sanitize(raw map[string]any) map[string]any {
	cleaned := map[string]any{}
	if raw == nil {
		return cleaned
	}

	for _, key := range []string{"schemaVersion", "summary", "region"} {
		if s := cleanString(raw[key]); s != "" {
			cleaned[key] = s
		}
	}
	for _, key := range []string{"skills", "languages", "tags"} {
		if items := cleanStringList(raw[key]); len(items) > 0 {
			cleaned[key] = items
		}
	}

	if tools := cleanTools(raw["tools"]); len(tools) > 0 {
		cleaned["tools"] = tools
	}
	if models := cleanModels(raw["models"]); len(models) > 0 {
		cleaned["models"] = models
	}
	if pricing := cleanPricing(raw["pricing"]); len(pricing) > 0 {
		cleaned["pricing"] = pricing
	}
	if limits := cleanLimits(raw["limits"]); len(limits) > 0 {
		cleaned["limits"] = limits
	}
	if avail := cleanAvailability(raw["availability"]); len(avail) > 0 {
		cleaned["availability"] = avail
	}
	if auth := cleanAuth(raw["auth"]); len(auth) > 0 {
		cleaned["auth"] = auth
	}
	if contact := cleanContact(raw["contact"]); len(contact) > 0 {
		cleaned["contact"] = contact
	}
	if examples := cleanExamples(raw["examples"]); len(examples) > 0 {
		cleaned["examples"] = examples
	}
	return cleaned
}

func cleanString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if len(s) > maxString {
		s = s[:maxString]
	}
	return s
}

func cleanStringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var items []string
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if len(s) > maxListItem {
			s = s[:maxListItem]
		}
		items = append(items, s)
		if len(items) >= maxItems {
			break
		}
	}
	return items
}

func cleanTools(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var tools []map[string]any
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tool := map[string]any{}
		for _, key := range []string{"name", "scope", "notes"} {
			if s := cleanString(obj[key]); s != "" {
				tool[key] = s
			}
		}
		if tool["name"] != nil {
			tools = append(tools, tool)
		}
	}
	return tools
}

func cleanModels(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var models []map[string]any
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		model := map[string]any{}
		for _, key := range []string{"id", "provider"} {
			if s := cleanString(obj[key]); s != "" {
				model[key] = s
			}
		}
		if n, ok := positiveInt(obj["contextTokens"]); ok {
			model["contextTokens"] = n
		}
		if model["id"] != nil {
			models = append(models, model)
		}
	}
	return models
}

func cleanPricing(v any) map[string]any {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	pricing := map[string]any{}
	if s := cleanString(obj["unit"]); s != "" {
		pricing["unit"] = s
	}
	for _, key := range []string{"perRequest", "per1kTokens"} {
		if n, ok := obj[key].(float64); ok {
			pricing[key] = n
		}
	}
	return pricing
}

func cleanLimits(v any) map[string]any {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	limits := map[string]any{}
	for _, key := range []string{"maxTokens", "timeoutSec", "rateLimitPerMin", "rateLimitPerMinByNode", "concurrency"} {
		if n, ok := positiveInt(obj[key]); ok {
			limits[key] = n
		}
	}
	return limits
}

func cleanAvailability(v any) map[string]any {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	avail := map[string]any{}
	for _, key := range []string{"status", "hours"} {
		if s := cleanString(obj[key]); s != "" {
			avail[key] = s
		}
	}
	if n, ok := obj["uptime90d"].(float64); ok {
		avail["uptime90d"] = n
	}
	return avail
}

func cleanAuth(v any) map[string]any {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	auth := map[string]any{}
	if s := cleanString(obj["mode"]); s != "" {
		auth["mode"] = s
	}
	if b, ok := obj["required"].(bool); ok {
		auth["required"] = b
	}
	return auth
}

func cleanContact(v any) map[string]any {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	contact := map[string]any{}
	for _, key := range []string{"owner", "website"} {
		if s := cleanString(obj[key]); s != "" {
			contact[key] = s
		}
	}
	return contact
}

func cleanExamples(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var examples []map[string]any
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		example := map[string]any{}
		for _, key := range []string{"input", "output"} {
			if s := cleanString(obj[key]); s != "" {
				example[key] = s
			}
		}
		if len(example) > 0 {
			examples = append(examples, example)
		}
	}
	return examples
}

// positiveInt accepts float64 (JSON numbers) and int, requiring > 0.
func positiveInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n > 0 && n == float64(int(n)) {
			return int(n), true
		}
	case int:
		if n > 0 {
			return n, true
		}
	}
	return 0, false
}
