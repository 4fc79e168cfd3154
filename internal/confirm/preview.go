package confirm

import (
	"fmt"
	"strings"

	"github.com/aide-sh/aide/pkg/schema"
)

// BuildPreview assembles the ActionPreview shown to the user when a tool
// call is gated. Description falls back to a generated summary when the
// caller provides none.
func BuildPreview(call schema.ToolCall, description, reason string) schema.ActionPreview {
	if description == "" {
		description = fmt.Sprintf("Execute %s with the parameters shown below.", call.Name)
	}
	return schema.ActionPreview{
		Title:          previewTitle(call.Name),
		Description:    description,
		RiskAssessment: reason,
		PreviewData:    call.Parameters,
	}
}

// previewTitle humanizes a namespaced tool name: "email.send" -> "Email: send".
func previewTitle(toolName string) string {
	parts := strings.SplitN(toolName, ".", 2)
	if len(parts) == 1 {
		return titleWord(parts[0])
	}
	return titleWord(parts[0]) + ": " + strings.ReplaceAll(parts[1], "_", " ")
}

func titleWord(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + w[1:]
}
