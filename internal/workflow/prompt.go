package workflow

import "strings"

// PromptBuilder renders the configured template against task fields. The
// template is an opaque string supplied by configuration; this type only
// performs the placeholder substitution, never interprets the result.
type PromptBuilder struct {
	template string
}

// NewPromptBuilder constructs a PromptBuilder from the configured template.
// An empty template falls back to a minimal default so a task can still run
// with no prompt configuration at all.
func NewPromptBuilder(template string) *PromptBuilder {
	if template == "" {
		template = defaultTemplate
	}
	return &PromptBuilder{template: template}
}

const defaultTemplate = `Task: {{description}}

Acceptance criteria:
{{acceptance_criteria}}

Current stage: {{stage}}`

// Build substitutes task and stage fields into the template.
func (p *PromptBuilder) Build(description, acceptanceCriteria, stageName string) string {
	r := strings.NewReplacer(
		"{{description}}", description,
		"{{acceptance_criteria}}", acceptanceCriteria,
		"{{stage}}", stageName,
	)
	return r.Replace(p.template)
}
