package out

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ggonzalez94/platform-explorer/internal/config"
	"github.com/ggonzalez94/platform-explorer/internal/model"
)

func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.ResultsOnly {
		if settings.OutputMode == "json" {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(data)
		}
		return renderPlain(w, data)
	}

	if settings.OutputMode == "json" {
		env.Data = data
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	}

	plain := map[string]any{
		"success":  env.Success,
		"data":     data,
		"warnings": env.Warnings,
		"meta":     env.Meta,
	}
	if env.Error != nil {
		plain["error"] = env.Error
	}
	return renderPlain(w, plain)
}

// renderPlain writes one block per value: a key=value line for its scalar
// fields, then one indented line per element of every nested object list, so a
// run report prints its summary followed by its latency and fatal rows.
func renderPlain(w io.Writer, data any) error {
	n := normalizeValue(data)
	if n == nil {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	items, isList := n.([]any)
	if !isList {
		items = []any{n}
	} else if len(items) == 0 {
		_, err := fmt.Fprintln(w, "[]")
		return err
	}
	for _, item := range items {
		for _, line := range plainBlock(item) {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
	return nil
}

func plainBlock(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return []string{toLine(v)}
	}
	flat := flatten("", m, map[string]any{})
	head := make(map[string]any, len(flat))
	var rows []string
	for _, k := range sortedKeys(flat) {
		list, ok := objectList(flat[k])
		if !ok {
			head[k] = flat[k]
			continue
		}
		for _, row := range list {
			rows = append(rows, "  "+k+": "+toLine(row))
		}
	}
	return append([]string{toLine(head)}, rows...)
}

func project(data any, fields []string) any {
	n := normalizeValue(data)
	switch t := n.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, projectMap(m, fields))
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return n
	}
}

func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	return out
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

// toLine renders one value on a single line. Nested objects become dotted
// keys and lists stay compact JSON.
func toLine(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return plainValue(v)
	}
	flat := flatten("", m, map[string]any{})
	parts := make([]string, 0, len(flat))
	for _, k := range sortedKeys(flat) {
		parts = append(parts, k+"="+plainValue(flat[k]))
	}
	return strings.Join(parts, " ")
}

func plainValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		buf, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(buf)
	}
}

func flatten(prefix string, m map[string]any, into map[string]any) map[string]any {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok && len(sub) > 0 {
			flatten(key, sub, into)
			continue
		}
		into[key] = v
	}
	return into
}

func objectList(v any) ([]map[string]any, bool) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, false
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, m)
	}
	return out, true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lines writes one value per line for streaming output: compact JSON, or
// sorted key=value pairs in plain mode. Safe for concurrent use.
type Lines struct {
	mu     sync.Mutex
	w      io.Writer
	plain  bool
	fields []string
}

func NewLines(w io.Writer, settings config.Settings) *Lines {
	return &Lines{w: w, plain: settings.OutputMode == "plain", fields: settings.SelectFields}
}

func (l *Lines) Write(v any) error {
	if len(l.fields) > 0 {
		v = project(v, l.fields)
	}
	var line string
	if l.plain {
		line = toLine(normalizeValue(v))
	} else {
		buf, err := json.Marshal(v)
		if err != nil {
			return err
		}
		line = string(buf)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintln(l.w, line)
	return err
}
