package diff

import "strings"

const noNewlineMarker = `\ No newline at end of file`

// String renders d as unified diff text with a/ and b/ file headers
func (d FileDiff) String() string {
	var sb strings.Builder
	oldLabel := "a/" + strings.TrimPrefix(d.Label, "/")
	if d.IsNew {
		oldLabel = "/dev/null"
	}
	sb.WriteString("--- " + oldLabel + "\n")
	sb.WriteString("+++ b/" + strings.TrimPrefix(d.Label, "/") + "\n")

	for _, h := range d.Hunks {
		sb.WriteString(h.Header())
		sb.WriteByte('\n')
		for _, l := range h.Lines {
			sb.WriteByte(byte(l.Op))
			sb.WriteString(l.Text)
			sb.WriteByte('\n')
			if l.NoNewline {
				sb.WriteString(noNewlineMarker)
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String()
}
