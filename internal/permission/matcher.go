// Package permission implements the per-tool-call permission arbiter: the
// gate that runs inline inside every prompt driver's streaming loop before
// a vendor tool invocation is allowed to proceed.
package permission

import "strings"

// Match reports whether pattern matches name. Supported pattern forms:
//
//	exact               "Bash(git status)"  matches only that literal string
//	prefix*             "Bash(git *)"       matches any name starting with "Bash(git "
//	*suffix             "*.md"              matches any name ending with ".md"
//	mcp:*               matches any MCP tool name (those prefixed "mcp:")
//	*                   matches everything
//
// A pattern with '*' in the middle only (not at either edge) is treated as
// a literal wildcard-free match against name, since the vendor tool-name
// grammar never embeds '*' itself.
func Match(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == name {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	// "Tool(arg *)" globs the argument: drop the closing paren so the
	// '*' before it acts as the trailing prefix wildcard.
	if strings.HasSuffix(pattern, "*)") {
		pattern = strings.TrimSuffix(pattern, ")")
	}

	hasPrefix := strings.HasSuffix(pattern, "*")
	hasSuffix := strings.HasPrefix(pattern, "*")

	switch {
	case hasPrefix && hasSuffix && len(pattern) > 1:
		// "*substring*" — contains-match, so a double-wildcard entry
		// behaves sensibly rather than matching nothing.
		inner := pattern[1 : len(pattern)-1]
		return inner != "" && strings.Contains(name, inner)
	case hasPrefix:
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(name, prefix)
	case hasSuffix:
		suffix := strings.TrimPrefix(pattern, "*")
		return strings.HasSuffix(name, suffix)
	default:
		return false
	}
}

// MatchAny reports whether name matches any pattern in the list.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}
