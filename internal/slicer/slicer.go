// Package slicer partitions a raw context object into addressable slices.
//
// Slicing is lossless: reassembling all produced slices recovers the original
// context exactly. This includes markdown sections, where heading lines and
// any preamble before the first heading are kept inside the slices.
package slicer

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"rlm/internal/logging"
)

// Strategy selects how a context is partitioned.
type Strategy string

const (
	StrategyAuto             Strategy = "auto"
	StrategyDictKeys         Strategy = "dict_keys"
	StrategyListItems        Strategy = "list_items"
	StrategyListChunks       Strategy = "list_chunks"
	StrategyMarkdownSections Strategy = "markdown_sections"
	StrategyCharChunks       Strategy = "char_chunks"
)

// ContextSlice is an immutable addressable unit of context.
type ContextSlice struct {
	ID       string
	Content  any
	Metadata map[string]any
}

// Render returns the slice content as prompt-ready text.
// Strings pass through; structured content is JSON-encoded.
func (s ContextSlice) Render() string {
	switch v := s.Content.(type) {
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Size returns the rendered content length in characters.
func (s ContextSlice) Size() int {
	return len(s.Render())
}

// ConfigurationError reports invalid input to the slicer: an empty context,
// an unsupported shape, or a strategy that does not match the input.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// Options holds the slicing parameters. The numeric thresholds are tunable;
// zero values fall back to the defaults.
type Options struct {
	Strategy      Strategy
	ListCutoff    int // per-item slicing up to this many elements
	ListChunkSize int // elements per chunk beyond the cutoff
	CharChunkSize int // characters per plain-string chunk
}

// DefaultOptions returns the inherited defaults.
func DefaultOptions() Options {
	return Options{
		Strategy:      StrategyAuto,
		ListCutoff:    10,
		ListChunkSize: 10,
		CharChunkSize: 10000,
	}
}

func (o *Options) fillDefaults() {
	if o.Strategy == "" {
		o.Strategy = StrategyAuto
	}
	if o.ListCutoff <= 0 {
		o.ListCutoff = 10
	}
	if o.ListChunkSize <= 0 {
		o.ListChunkSize = 10
	}
	if o.CharChunkSize <= 0 {
		o.CharChunkSize = 10000
	}
}

// headingRe matches markdown headings of levels 1-3 at line start.
var headingRe = regexp.MustCompile(`(?m)^#{1,3}[ \t]+\S.*$`)

// Slice partitions a context into an ordered sequence of slices.
// Supported shapes: keyed mapping (string keys), ordered sequence, string.
func Slice(context any, opts Options) ([]ContextSlice, error) {
	opts.fillDefaults()

	normalized, err := normalizeContext(context)
	if err != nil {
		return nil, err
	}

	var slices []ContextSlice
	switch v := normalized.(type) {
	case map[string]any:
		if len(v) == 0 {
			return nil, &ConfigurationError{Reason: "empty context mapping"}
		}
		if opts.Strategy != StrategyAuto && opts.Strategy != StrategyDictKeys {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("strategy %s does not apply to a mapping", opts.Strategy)}
		}
		slices = sliceDict(v)

	case []any:
		if len(v) == 0 {
			return nil, &ConfigurationError{Reason: "empty context sequence"}
		}
		switch opts.Strategy {
		case StrategyListItems:
			slices = sliceListItems(v)
		case StrategyListChunks:
			slices = sliceListChunks(v, opts.ListChunkSize)
		case StrategyAuto:
			if len(v) <= opts.ListCutoff {
				slices = sliceListItems(v)
			} else {
				slices = sliceListChunks(v, opts.ListChunkSize)
			}
		default:
			return nil, &ConfigurationError{Reason: fmt.Sprintf("strategy %s does not apply to a sequence", opts.Strategy)}
		}

	case string:
		if v == "" {
			return nil, &ConfigurationError{Reason: "empty context string"}
		}
		switch opts.Strategy {
		case StrategyMarkdownSections:
			slices = sliceMarkdown(v)
			if slices == nil {
				return nil, &ConfigurationError{Reason: "markdown_sections strategy on a string without headings"}
			}
		case StrategyCharChunks:
			slices = sliceChars(v, opts.CharChunkSize)
		case StrategyAuto:
			if slices = sliceMarkdown(v); slices == nil {
				slices = sliceChars(v, opts.CharChunkSize)
			}
		default:
			return nil, &ConfigurationError{Reason: fmt.Sprintf("strategy %s does not apply to a string", opts.Strategy)}
		}

	default:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unsupported context type %T", context)}
	}

	logging.Slicer("sliced context into %d slices (strategy input: %s)", len(slices), opts.Strategy)
	return slices, nil
}

// normalizeContext converts caller-supplied context into one of the three
// canonical shapes: map[string]any, []any, or string.
func normalizeContext(context any) (any, error) {
	switch v := context.(type) {
	case nil:
		return nil, &ConfigurationError{Reason: "nil context"}
	case string:
		return v, nil
	case map[string]any:
		return v, nil
	case []any:
		return v, nil
	}

	rv := reflect.ValueOf(context)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &ConfigurationError{Reason: "context mapping must have string keys"}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, &ConfigurationError{Reason: fmt.Sprintf("unsupported context type %T", context)}
}

func sliceDict(m map[string]any) []ContextSlice {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	slices := make([]ContextSlice, 0, len(keys))
	seen := make(map[string]int, len(keys))
	for _, key := range keys {
		id := uniqueID("dict_"+safeToken(key), seen)
		content := m[key]
		slices = append(slices, ContextSlice{
			ID:      id,
			Content: content,
			Metadata: map[string]any{
				"strategy": string(StrategyDictKeys),
				"key":      key,
				"size":     renderedLen(content),
			},
		})
	}
	return slices
}

func sliceListItems(items []any) []ContextSlice {
	slices := make([]ContextSlice, 0, len(items))
	for idx, item := range items {
		slices = append(slices, ContextSlice{
			ID:      fmt.Sprintf("item_%d", idx),
			Content: item,
			Metadata: map[string]any{
				"strategy": string(StrategyListItems),
				"index":    idx,
				"size":     renderedLen(item),
			},
		})
	}
	return slices
}

func sliceListChunks(items []any, chunkSize int) []ContextSlice {
	var slices []ContextSlice
	for i := 0; i < len(items); i += chunkSize {
		end := i + chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[i:end]
		slices = append(slices, ContextSlice{
			ID:      fmt.Sprintf("chunk_%d", i/chunkSize),
			Content: chunk,
			Metadata: map[string]any{
				"strategy":    string(StrategyListChunks),
				"start_index": i,
				"end_index":   end,
				"size":        len(chunk),
			},
		})
	}
	return slices
}

// sliceMarkdown splits at heading boundaries (levels 1-3). Returns nil when
// the string has no headings. Each slice keeps its heading line; text before
// the first heading becomes a preamble slice, so concatenation of all slice
// contents equals the input.
func sliceMarkdown(s string) []ContextSlice {
	matches := headingRe.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return nil
	}

	boundaries := make([]int, 0, len(matches)+1)
	if matches[0][0] > 0 {
		boundaries = append(boundaries, 0)
	}
	for _, m := range matches {
		boundaries = append(boundaries, m[0])
	}

	var slices []ContextSlice
	seen := make(map[string]int)
	for i, start := range boundaries {
		end := len(s)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		section := s[start:end]

		heading, level := headingOf(section)
		var id string
		meta := map[string]any{
			"strategy":   string(StrategyMarkdownSections),
			"start_char": start,
			"end_char":   end,
			"size":       len(section),
		}
		if heading == "" {
			id = uniqueID("section_preamble", seen)
		} else {
			id = uniqueID("section_"+safeToken(heading), seen)
			meta["heading"] = heading
			meta["level"] = level
		}

		slices = append(slices, ContextSlice{ID: id, Content: section, Metadata: meta})
	}
	return slices
}

// headingOf returns the heading text and level if the section starts with one.
func headingOf(section string) (string, int) {
	line := section
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if !headingRe.MatchString(line) {
		return "", 0
	}
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	return strings.TrimSpace(line[level:]), level
}

func sliceChars(s string, chunkSize int) []ContextSlice {
	var slices []ContextSlice
	for i := 0; i*chunkSize < len(s); i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunk := s[start:end]
		slices = append(slices, ContextSlice{
			ID:      fmt.Sprintf("chunk_%d", i),
			Content: chunk,
			Metadata: map[string]any{
				"strategy":   string(StrategyCharChunks),
				"start_char": start,
				"end_char":   end,
				"size":       len(chunk),
			},
		})
	}
	return slices
}

// safeToken normalizes a key or heading into an id-safe token.
func safeToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	token := b.String()
	for strings.Contains(token, "__") {
		token = strings.ReplaceAll(token, "__", "_")
	}
	token = strings.Trim(token, "_")
	if token == "" {
		token = "x"
	}
	return token
}

// uniqueID suffixes duplicate ids so every slice stays addressable.
func uniqueID(id string, seen map[string]int) string {
	seen[id]++
	if seen[id] == 1 {
		return id
	}
	return fmt.Sprintf("%s_%d", id, seen[id])
}

func renderedLen(content any) int {
	return ContextSlice{Content: content}.Size()
}
