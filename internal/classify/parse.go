package classify

import (
	"strconv"
	"strings"
)

// ParseReply reads a "<code>: <label>: <rationale>" reply. A code that is not
// a number in 1..11 yields CodeNoRelationship. The returned label is always
// the taxonomy label for the returned code.
func ParseReply(text string) (code int, label, rationale string) {
	text = strings.TrimSpace(text)
	// tolerate quoted answers
	text = strings.Trim(text, "\"'`")

	parts := strings.SplitN(text, ":", 3)
	codeText := strings.TrimSpace(parts[0])
	codeText = strings.TrimSuffix(codeText, ".")

	n, err := strconv.Atoi(codeText)
	if err != nil || Label(n) == "" {
		return CodeNoRelationship, Label(CodeNoRelationship), text
	}

	switch len(parts) {
	case 3:
		rationale = strings.TrimSpace(parts[2])
	case 2:
		rationale = strings.TrimSpace(parts[1])
	}
	return n, Label(n), rationale
}
