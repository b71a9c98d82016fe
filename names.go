package flow4ai

import (
	"strconv"
	"strings"
)

// fqnDelimiter separates the graph, variant, and short-name segments of a
// fully qualified job name. Preserved as a literal string (rather than
// structured metadata) because saved_results and routing keys are derived
// from it downstream; see ParseShort.
const fqnDelimiter = "$$"

// UnsupportedNameFormat is returned by ParseShort when its input cannot be
// parsed as a well-formed FQN. Callers must treat it as a programming
// error, never as a valid short name.
const UnsupportedNameFormat = "UNSUPPORTED_NAME_FORMAT"

// MakeFQN builds the fully qualified name "{graph}$${variant}$${short}$$".
// An empty variant is allowed and yields a double "$$" in the middle.
func MakeFQN(graph, variant, short string) string {
	var b strings.Builder
	b.Grow(len(graph) + len(variant) + len(short) + 3*len(fqnDelimiter))
	b.WriteString(graph)
	b.WriteString(fqnDelimiter)
	b.WriteString(variant)
	b.WriteString(fqnDelimiter)
	b.WriteString(short)
	b.WriteString(fqnDelimiter)
	return b.String()
}

// ParseShort extracts the short-name segment from an FQN: the text between
// the second and third "$$" delimiter. Malformed input yields
// UnsupportedNameFormat.
func ParseShort(fqn string) string {
	parts := strings.Split(fqn, fqnDelimiter)
	// "g$$v$$short$$" splits into ["g", "v", "short", ""]: 4 parts.
	if len(parts) != 4 {
		return UnsupportedNameFormat
	}
	return parts[2]
}

// ParseGraph extracts the graph segment (before the first delimiter) from
// an FQN. Malformed input yields UnsupportedNameFormat.
func ParseGraph(fqn string) string {
	parts := strings.Split(fqn, fqnDelimiter)
	if len(parts) != 4 {
		return UnsupportedNameFormat
	}
	return parts[0]
}

// ParseVariant extracts the variant segment from an FQN. Malformed input
// yields UnsupportedNameFormat.
func ParseVariant(fqn string) string {
	parts := strings.Split(fqn, fqnDelimiter)
	if len(parts) != 4 {
		return UnsupportedNameFormat
	}
	return parts[1]
}

// UniqueVariant returns a variant string guaranteed not to collide with any
// existing key in jobsByFQN: if some key already begins with
// "{graph}$${variant}$$", it appends the lowest integer suffix "_N"
// (starting at 1) that makes the prefix unique. Pure function over the
// existing key set; it never mutates jobsByFQN.
func UniqueVariant(jobsByFQN map[string]*JobNode, graph, variant string) string {
	candidate := variant
	for n := 1; ; n++ {
		prefix := graph + fqnDelimiter + candidate + fqnDelimiter
		if !anyKeyHasPrefix(jobsByFQN, prefix) {
			return candidate
		}
		candidate = variant + "_" + strconv.Itoa(n)
	}
}

func anyKeyHasPrefix(m map[string]*JobNode, prefix string) bool {
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}
