// Package template holds the built-in prompt templates users can create
// tasks from without writing a prompt by hand.
package template

import (
	"fmt"
	"sort"
	"strings"
)

// placeholder is the substitution marker inside a prompt template body.
const placeholder = "{{input}}"

// Template is a named prompt recipe. Render substitutes the user's input
// into the prompt body.
type Template struct {
	ID          string `json:"template_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Prompt      string `json:"prompt_template"`
}

// Render produces the final prompt. Input is trimmed before substitution.
func (t Template) Render(input string) string {
	return strings.ReplaceAll(t.Prompt, placeholder, strings.TrimSpace(input))
}

// TaskName derives the default task name for a task created from this
// template.
func (t Template) TaskName() string {
	return fmt.Sprintf("%s task", t.Name)
}

// Defaults is the built-in template set, keyed by template ID.
var Defaults = map[string]Template{
	"summarize_text": {
		ID:          "summarize_text",
		Name:        "Summarize Text",
		Description: "Summarize provided content into concise bullet points.",
		Prompt: "You are an assistant producing concise summaries.\n" +
			"Summarize the following content into 5 bullet points with key facts.\n\n" +
			placeholder,
	},
	"extract_action_items": {
		ID:          "extract_action_items",
		Name:        "Extract Action Items",
		Description: "Extract owners, deadlines, and action items from text.",
		Prompt: "Extract concrete action items from the text below.\n" +
			"For each action item include owner (if known), deadline (if present), and task.\n\n" +
			placeholder,
	},
	"rewrite_professional": {
		ID:          "rewrite_professional",
		Name:        "Rewrite Professional",
		Description: "Rewrite rough text into clear professional communication.",
		Prompt: "Rewrite the following message with a professional tone.\n" +
			"Keep the meaning unchanged and improve clarity.\n\n" +
			placeholder,
	},
}

// Lookup returns the template for id, reporting whether it exists.
func Lookup(id string) (Template, bool) {
	t, ok := Defaults[id]
	return t, ok
}

// List returns all templates sorted by ID for stable API output.
func List() []Template {
	out := make([]Template, 0, len(Defaults))
	for _, t := range Defaults {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
