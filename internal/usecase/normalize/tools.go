package normalize

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"pi-executor/internal/domain"
)

// toolState tracks one in-flight tool call between its start and end events.
type toolState struct {
	name  string
	entry domain.NormalizedEntry
	index int
}

// toolArgs holds the raw tool arguments. Fields are read one at a time so a
// field of an unexpected type only blanks that field.
type toolArgs map[string]json.RawMessage

func (a toolArgs) str(key string) string {
	s, _ := stringMember(a, key)
	return s
}

func (a toolArgs) path() string {
	if p := a.str("path"); p != "" {
		return p
	}
	return a.str("file_path")
}

// classifyTool builds the initial tool_use entry for a tool call. It reports
// false for tools that are not rendered.
func classifyTool(name string, rawArgs json.RawMessage, workDir string, logger *slog.Logger) (domain.NormalizedEntry, bool) {
	var args toolArgs
	if raw := bytes.TrimSpace(rawArgs); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &args); err != nil {
			logger.Warn("tool arguments are not an object", "tool", name, "error", err)
		}
	}

	var action domain.Action
	var content string
	switch name {
	case "read", "write", "edit":
		p := args.path()
		if p == "" {
			logger.Warn("file tool call without path", "tool", name)
			return domain.NormalizedEntry{}, false
		}
		rel := relativePath(p, workDir)
		content = rel
		switch name {
		case "read":
			action = domain.Action{Kind: domain.ActionFileRead, Path: rel}
		case "write":
			action = domain.Action{
				Kind: domain.ActionFileEdit,
				Path: rel,
				Changes: []domain.FileChange{
					{Kind: domain.FileChangeWrite, Content: args.str("content")},
				},
			}
		case "edit":
			action = domain.Action{
				Kind: domain.ActionFileEdit,
				Path: rel,
				Changes: []domain.FileChange{
					{Kind: domain.FileChangeEdit, UnifiedDiff: unifiedDiff(rel, args.str("oldText"), args.str("newText"))},
				},
			}
		}
	case "bash":
		cmd := args.str("command")
		action = domain.Action{Kind: domain.ActionCommandRun, Command: cmd}
		content = cmd
	default:
		logger.Debug("ignoring unsupported tool", "tool", name)
		return domain.NormalizedEntry{}, false
	}

	return domain.NormalizedEntry{
		Type: domain.EntryToolUse,
		ToolUse: &domain.ToolUse{
			ToolName: name,
			Action:   action,
			Status:   domain.ToolStatusCreated,
		},
		Content: content,
	}, true
}

// completeTool applies a tool_execution_end to the stored entry.
func completeTool(st *toolState, result json.RawMessage, isError bool) domain.NormalizedEntry {
	entry := st.entry
	tu := *entry.ToolUse
	if isError {
		tu.Status = domain.ToolStatusFailed
	} else {
		tu.Status = domain.ToolStatusSuccess
	}
	if st.name == "bash" {
		tu.Action.Result = bashResult(result)
	}
	entry.ToolUse = &tu
	return entry
}

// bashResult extracts an exit code and output from a bash tool result.
func bashResult(raw json.RawMessage) *domain.CommandRunResult {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return &domain.CommandRunResult{}
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil && obj != nil {
		res := &domain.CommandRunResult{}
		for _, key := range []string{"exitCode", "exit_code", "code"} {
			if v, ok := obj[key]; ok {
				var code int64
				if json.Unmarshal(v, &code) == nil {
					res.ExitStatus = &domain.ExitStatus{Code: int(code)}
					break
				}
			}
		}
		if out, ok := stringMember(obj, "output", "stdout"); ok {
			res.Output = &out
		} else if out, ok := contentText(obj["content"]); ok {
			res.Output = &out
		} else {
			out := prettyJSON(raw)
			res.Output = &out
		}
		return res
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return &domain.CommandRunResult{Output: &s}
	}
	out := prettyJSON(raw)
	return &domain.CommandRunResult{Output: &out}
}

// contentText joins the text parts of a content block list.
func contentText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var parts []struct {
		Type string  `json:"type"`
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", false
	}
	var texts []string
	for _, p := range parts {
		if p.Text != nil {
			texts = append(texts, *p.Text)
		}
	}
	if len(texts) == 0 {
		return "", false
	}
	return strings.Join(texts, "\n"), true
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// relativePath makes an absolute path inside workDir relative to it. Any
// other path is returned unchanged.
func relativePath(p, workDir string) string {
	if workDir == "" || !filepath.IsAbs(p) {
		return p
	}
	rel, err := filepath.Rel(filepath.Clean(workDir), filepath.Clean(p))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return filepath.ToSlash(rel)
}

// unifiedDiff renders a git-style diff of old against new for rel.
func unifiedDiff(rel, oldText, newText string) string {
	diff := difflib.UnifiedDiff{
		A:        diffLines(oldText),
		B:        diffLines(newText),
		FromFile: "a/" + rel,
		ToFile:   "b/" + rel,
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return out
}

// diffLines splits s into newline-terminated lines.
func diffLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	last := len(lines) - 1
	if !strings.HasSuffix(lines[last], "\n") {
		lines[last] += "\n"
	}
	return lines
}
