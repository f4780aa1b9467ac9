package artifact

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies a parsed action
type Kind string

const (
	KindFile    Kind = "CreateOrUpdateFile"
	KindShell   Kind = "RunShellCommand"
	KindUnknown Kind = "Unknown"
)

// Action is one directive extracted from an artifact document
type Action struct {
	Kind    Kind   `json:"kind"`
	Path    string `json:"path,omitempty"`
	Payload string `json:"payload"`
	Seq     int    `json:"seq"`
	// Reason is set when the element was downgraded to KindUnknown
	Reason string `json:"reason,omitempty"`
}

// Document is one artifact wrapper and the actions it carries
type Document struct {
	ID      string   `json:"id,omitempty"`
	Title   string   `json:"title,omitempty"`
	Actions []Action `json:"actions"`
}

// Files returns the file actions in document order
func (d Document) Files() []Action {
	var files []Action
	for _, a := range d.Actions {
		if a.Kind == KindFile {
			files = append(files, a)
		}
	}
	return files
}

var (
	wrapperOpenRe = regexp.MustCompile(`<([A-Za-z][\w-]*Artifact)\b([^>]*)>`)
	actionOpenRe  = regexp.MustCompile(`<([A-Za-z][\w-]*Action)\b([^>]*?)(/?)>`)
	attrRe        = regexp.MustCompile(`([A-Za-z_:][\w:.-]*)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	partialOpenRe = regexp.MustCompile(`<[A-Za-z][\w-]*Action\b[^>]*$`)
	leadingBreak  = regexp.MustCompile(`^[ \t]*\r?\n`)
)

// Parse reads the first artifact wrapper in text and returns its actions in
// order. It never fails: elements that cannot be classified come back as
// KindUnknown with a Reason. Text without a wrapper is scanned for action
// elements at top level.
func Parse(text string) Document {
	loc := wrapperOpenRe.FindStringSubmatchIndex(text)
	if loc == nil {
		actions, _ := parseActions(text, "")
		return Document{Actions: actions}
	}
	doc, _ := parseWrapper(text, loc)
	return doc
}

// Extract returns every artifact wrapper found in text, in order. Prose
// between wrappers is ignored.
func Extract(text string) []Document {
	var docs []Document
	for {
		loc := wrapperOpenRe.FindStringSubmatchIndex(text)
		if loc == nil {
			return docs
		}
		doc, rest := parseWrapper(text, loc)
		docs = append(docs, doc)
		text = rest
	}
}

// parseWrapper parses the wrapper whose opening tag is at loc and returns the
// text following its closing tag.
func parseWrapper(text string, loc []int) (Document, string) {
	name := text[loc[2]:loc[3]]
	attrs := parseAttrs(text[loc[4]:loc[5]])
	actions, rest := parseActions(text[loc[1]:], "</"+name+">")

	return Document{
		ID:      attrs["id"],
		Title:   attrs["title"],
		Actions: actions,
	}, rest
}

// parseActions reads action elements one after another. The closing tag is
// only looked for between actions, so payloads may contain it. A nested
// wrapper is consumed whole and kept as a single unknown action. It returns
// the text after closing, or "" when closing is empty or never found.
func parseActions(body, closing string) ([]Action, string) {
	actions := make([]Action, 0)
	for {
		next := len(body)
		loc := actionOpenRe.FindStringSubmatchIndex(body)
		if loc != nil {
			next = loc[0]
		}
		nested := wrapperOpenRe.FindStringSubmatchIndex(body[:next])
		if nested != nil {
			next = nested[0]
		}
		if closing != "" {
			if end := strings.Index(body[:next], closing); end >= 0 {
				return actions, body[end+len(closing):]
			}
		}

		if nested != nil {
			_, rest := parseWrapper(body, nested)
			actions = append(actions, Action{
				Kind:    KindUnknown,
				Payload: body[nested[0] : len(body)-len(rest)],
				Seq:     len(actions),
				Reason:  fmt.Sprintf("nested <%s> element", body[nested[2]:nested[3]]),
			})
			body = rest
			continue
		}

		if loc == nil {
			if partialOpenRe.MatchString(body) {
				actions = append(actions, Action{
					Kind:   KindUnknown,
					Seq:    len(actions),
					Reason: "truncated action tag",
				})
			}
			return actions, ""
		}

		name := body[loc[2]:loc[3]]
		attrs := parseAttrs(body[loc[4]:loc[5]])
		selfClosing := loc[7] > loc[6]
		seq := len(actions)

		if selfClosing {
			actions = append(actions, classify(attrs, "", seq))
			body = body[loc[1]:]
			continue
		}

		inner := body[loc[1]:]
		closeAction := "</" + name + ">"
		end := strings.Index(inner, closeAction)
		if end < 0 {
			actions = append(actions, Action{
				Kind:    KindUnknown,
				Path:    pathAttr(attrs),
				Payload: inner,
				Seq:     seq,
				Reason:  fmt.Sprintf("unterminated <%s> element", name),
			})
			return actions, ""
		}

		actions = append(actions, classify(attrs, inner[:end], seq))
		body = inner[end+len(closeAction):]
	}
}

func classify(attrs map[string]string, inner string, seq int) Action {
	switch typ := attrs["type"]; typ {
	case "file":
		path := pathAttr(attrs)
		if path == "" {
			return Action{Kind: KindUnknown, Payload: inner, Seq: seq, Reason: "file action without path attribute"}
		}
		return Action{Kind: KindFile, Path: path, Payload: trimBoundaries(inner), Seq: seq}
	case "shell":
		cmd := strings.TrimSpace(inner)
		if cmd == "" {
			return Action{Kind: KindUnknown, Payload: inner, Seq: seq, Reason: "shell action without command"}
		}
		return Action{Kind: KindShell, Payload: cmd, Seq: seq}
	case "":
		return Action{Kind: KindUnknown, Path: pathAttr(attrs), Payload: inner, Seq: seq, Reason: "action without type attribute"}
	default:
		return Action{Kind: KindUnknown, Path: pathAttr(attrs), Payload: inner, Seq: seq, Reason: fmt.Sprintf("unsupported action type %q", typ)}
	}
}

// trimBoundaries drops the line break that follows the opening tag and the
// indentation that precedes the closing tag. The payload itself is untouched.
func trimBoundaries(inner string) string {
	inner = leadingBreak.ReplaceAllLiteralString(inner, "")
	if i := strings.LastIndexByte(inner, '\n'); i >= 0 && strings.TrimLeft(inner[i+1:], " \t") == "" {
		inner = inner[:i+1]
	}
	return inner
}

func pathAttr(attrs map[string]string) string {
	if p := attrs["filePath"]; p != "" {
		return p
	}
	return attrs["path"]
}

func parseAttrs(raw string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(raw, -1) {
		val := m[2]
		if val == "" {
			val = m[3]
		}
		attrs[m[1]] = val
	}
	return attrs
}
