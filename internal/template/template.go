// Package template provides the undefined-tolerant template rendering used
// for intent prompts, speech responses and API trigger definitions.
//
// Templates use {{ dotted.path }} placeholders resolved against a variable
// map (context, parameters, result). A placeholder that cannot be resolved
// renders as the literal "undefined" instead of failing, so partial or
// malformed API results never break response generation.
package template

import (
	"fmt"
	"strings"
)

// Undefined is the literal substituted for placeholders that do not resolve.
const Undefined = "undefined"

// SentenceDelimiter splits a rendered response into multiple delivered
// message bubbles. Content authors script multi-bubble replies with it.
const SentenceDelimiter = "###"

// Render substitutes every {{ ... }} placeholder in tmpl against vars.
// It never fails: unresolved or malformed placeholders degrade to the
// Undefined literal, and an unterminated placeholder is emitted verbatim.
func Render(tmpl string, vars map[string]any) string {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			// Unterminated placeholder, emit as-is.
			b.WriteString(rest[start:])
			break
		}
		expr := strings.TrimSpace(rest[start+2 : start+end])
		b.WriteString(resolve(expr, vars))
		rest = rest[start+end+2:]
	}
	return b.String()
}

// SplitSentence splits rendered text into message bubbles on the
// SentenceDelimiter.
func SplitSentence(sentence string) []string {
	return strings.Split(sentence, SentenceDelimiter)
}

// resolve walks a dotted path through nested maps and returns the string
// form of the value found, or Undefined.
func resolve(expr string, vars map[string]any) string {
	if expr == "" {
		return Undefined
	}
	var current any = vars
	for _, part := range strings.Split(expr, ".") {
		m, ok := asStringMap(current)
		if !ok {
			return Undefined
		}
		current, ok = m[part]
		if !ok {
			return Undefined
		}
	}
	if current == nil {
		return Undefined
	}
	return fmt.Sprint(current)
}

// asStringMap normalizes the map shapes produced by JSON decoding.
func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, true
	default:
		return nil, false
	}
}
