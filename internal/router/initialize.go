package router

import (
	"encoding/json"
	"fmt"

	"go.lspmux.dev/lspmux/internal/backend"
	"go.lspmux.dev/lspmux/internal/capability"
)

// routableFeature pairs a routable method with the single capabilities
// field its resolved backend's advertisement lives under.
// completionItem/resolve and workspace/executeCommand are deliberately
// absent: the former shares completionProvider with
// textDocument/completion, and the latter is merged separately below.
var routableFeatures = []struct {
	method string
	field  string
}{
	{capability.Completion, "completionProvider"},
	{capability.SignatureHelp, "signatureHelpProvider"},
	{capability.Formatting, "documentFormattingProvider"},
	{capability.RangeFormatting, "documentRangeFormattingProvider"},
}

// synthesizeInitResult builds the client-facing `initialize` result once
// every backend in agg has replied successfully.
func synthesizeInitResult(agg *initAggregate, tbl *table, primary *backend.Handle) (json.RawMessage, error) {
	primaryResult, ok := agg.results[primary]
	if !ok {
		return nil, fmt.Errorf("primary backend produced no initialize result")
	}

	var out map[string]any
	if err := json.Unmarshal(primaryResult, &out); err != nil {
		return nil, fmt.Errorf("invalid initialize result from primary: %w", err)
	}
	caps, _ := out["capabilities"].(map[string]any)
	if caps == nil {
		caps = make(map[string]any)
	}

	for _, feat := range routableFeatures {
		resolved := tbl.resolve(feat.method)
		if resolved == primary {
			continue
		}
		if val, present := resolved.Capabilities()[feat.field]; present {
			caps[feat.field] = val
		} else {
			delete(caps, feat.field)
		}
	}

	// codeActionProvider is left untouched: if the primary advertises it,
	// it's kept as-is. codeAction is broadcast, not single-routed, so there
	// is no single resolved backend whose field could override it. The set
	// of code-action backends is frozen here for later broadcasts.
	tbl.codeActionSet()

	if union := commandUnion(tbl.backends); len(union) > 0 {
		provider, ok := caps["executeCommandProvider"].(map[string]any)
		if !ok {
			provider = make(map[string]any)
		}
		cmds := make([]any, len(union))
		for i, c := range union {
			cmds[i] = c
		}
		provider["commands"] = cmds
		caps["executeCommandProvider"] = provider
	}

	out["capabilities"] = caps

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesized initialize result: %w", err)
	}
	return b, nil
}
