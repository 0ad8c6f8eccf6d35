// Package capability implements a small, closed table of predicates over
// a backend's raw `initialize` result, queried both at routing time and
// while synthesizing the client-facing `initialize` response. The
// capabilities object is kept as opaque JSON (a map[string]any) rather
// than modeled field-by-field, since the router only ever needs to ask
// yes/no questions of it.
package capability

// Set is a backend's advertised capabilities object, as returned in the
// `capabilities` field of its `initialize` result. It is immutable once
// set.
type Set map[string]any

// Routable enumerates the methods for which the resolved backend may
// differ from the primary.
const (
	Completion        = "textDocument/completion"
	CompletionResolve = "completionItem/resolve"
	SignatureHelp     = "textDocument/signatureHelp"
	Formatting        = "textDocument/formatting"
	RangeFormatting   = "textDocument/rangeFormatting"
	CodeAction        = "textDocument/codeAction"
	ExecuteCommand    = "workspace/executeCommand"
)

// Supports reports whether caps advertises the feature required by
// method. For workspace/executeCommand, command must be the requested
// command name; it is ignored for every other method. Methods outside
// the closed predicate set always report true: they route to the
// primary without a capability check.
func Supports(caps Set, method, command string) bool {
	switch method {
	case Completion:
		return has(caps, "completionProvider")
	case CompletionResolve:
		provider, ok := caps["completionProvider"].(map[string]any)
		if !ok {
			return false
		}
		return truthy(provider["resolveProvider"])
	case SignatureHelp:
		return has(caps, "signatureHelpProvider")
	case Formatting:
		return truthy(caps["documentFormattingProvider"])
	case RangeFormatting:
		return truthy(caps["documentRangeFormattingProvider"])
	case CodeAction:
		return truthy(caps["codeActionProvider"])
	case ExecuteCommand:
		return SupportsCommand(caps, command)
	default:
		return true
	}
}

// SupportsCommand reports whether caps' executeCommandProvider.commands
// contains command, used both by Supports and directly by the routing
// resolver's per-command executeCommand rule.
func SupportsCommand(caps Set, command string) bool {
	provider, ok := caps["executeCommandProvider"].(map[string]any)
	if !ok {
		return false
	}
	commands, ok := provider["commands"].([]any)
	if !ok {
		return false
	}
	for _, c := range commands {
		if s, ok := c.(string); ok && s == command {
			return true
		}
	}
	return false
}

// Commands returns the ordered list of command names caps advertises via
// executeCommandProvider.commands, or nil if absent.
func Commands(caps Set) []string {
	provider, ok := caps["executeCommandProvider"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := provider["commands"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if s, ok := c.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func has(caps Set, field string) bool {
	_, ok := caps[field]
	return ok
}

// truthy reports whether v is present and not false/null. LSP encodes
// many of these fields as either a bool or an options object, so both
// count as support.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
