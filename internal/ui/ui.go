package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	ltree "github.com/charmbracelet/lipgloss/tree"

	"github.com/schaermu/treeforge/internal/changeset"
	"github.com/schaermu/treeforge/internal/diff"
	"github.com/schaermu/treeforge/internal/tree"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	AccentStyle  = lipgloss.NewStyle().Foreground(purple)
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(yellow)
	MutedStyle   = lipgloss.NewStyle().Foreground(dim)
	BoldStyle    = lipgloss.NewStyle().Bold(true)
)

func SuccessMsg(format string, a ...any) string {
	return SuccessStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func WarnMsg(format string, a ...any) string {
	return WarnStyle.Render("!") + " " + fmt.Sprintf(format, a...)
}

func ErrorMsg(format string, a ...any) string {
	return ErrorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func InfoMsg(format string, a ...any) string {
	return AccentStyle.Render("●") + " " + fmt.Sprintf(format, a...)
}

// Diff renders d as a colored unified diff with a trailing newline
func Diff(d diff.FileDiff) string {
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimSuffix(d.String(), "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			sb.WriteString(BoldStyle.Render(line))
		case strings.HasPrefix(line, "@@"):
			sb.WriteString(AccentStyle.Render(line))
		case strings.HasPrefix(line, "+"):
			sb.WriteString(SuccessStyle.Render(line))
		case strings.HasPrefix(line, "-"):
			sb.WriteString(ErrorStyle.Render(line))
		case strings.HasPrefix(line, `\`):
			sb.WriteString(MutedStyle.Render(line))
		default:
			sb.WriteString(line)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// DiffSummary is a one-line "+added -removed label" summary
func DiffSummary(d diff.FileDiff) string {
	if !d.Changed() {
		return fmt.Sprintf("%s %s", MutedStyle.Render("unchanged"), d.Label)
	}
	return fmt.Sprintf("%s %s %s",
		SuccessStyle.Render(fmt.Sprintf("+%d", d.Added())),
		ErrorStyle.Render(fmt.Sprintf("-%d", d.Removed())),
		d.Label)
}

// Tree renders t as an indented listing under root. Paths in highlight are
// marked as changed.
func Tree(t tree.Tree, root string, highlight ...string) string {
	marked := make(map[string]bool, len(highlight))
	for _, p := range highlight {
		marked[p] = true
	}

	lt := ltree.Root(AccentStyle.Render(root)).
		Enumerator(ltree.RoundedEnumerator).
		EnumeratorStyle(lipgloss.NewStyle().Foreground(faint).MarginRight(1))
	addNodes(lt, t.Nodes, marked)
	return lt.String() + "\n"
}

func addNodes(parent *ltree.Tree, nodes []*tree.Node, marked map[string]bool) {
	for _, n := range nodes {
		if n.IsFile() {
			label := n.Name
			if marked[n.Path] {
				label = WarnStyle.Render(label + " *")
			}
			parent.Child(label)
			continue
		}
		sub := ltree.Root(BoldStyle.Render(n.Name + "/"))
		addNodes(sub, n.Children, marked)
		parent.Child(sub)
	}
}

// Steps renders the step list as a table with a status glyph per row
func Steps(steps []changeset.Step) string {
	if len(steps) == 0 {
		return MutedStyle.Render("no steps") + "\n"
	}

	rows := make([][]string, 0, len(steps))
	for _, s := range steps {
		rows = append(rows, []string{statusGlyph(s.Status), s.Title, oneLine(s.Description)})
	}

	headerStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 {
				return cellStyle.Foreground(dim)
			}
			return cellStyle
		}).
		Headers("", "STEP", "DETAIL").
		Rows(rows...)
	return t.String() + "\n"
}

// Rejections lists actions that could not be folded
func Rejections(rejected []changeset.Rejection) string {
	var sb strings.Builder
	for _, r := range rejected {
		sb.WriteString(ErrorMsg("%s: %v", r.Step.Title, r.Err))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func statusGlyph(s changeset.Status) string {
	switch s {
	case changeset.StatusCompleted:
		return SuccessStyle.Render("✓")
	case changeset.StatusDiscarded:
		return ErrorStyle.Render("✗")
	default:
		return WarnStyle.Render("●")
	}
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
