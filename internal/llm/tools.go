package llm

// WebSearchPlaceholder is returned for every web_search call. Search is not wired
// to a backend; the model is told so and answers from what it knows.
const WebSearchPlaceholder = "Web search is currently unavailable. Answer from your own knowledge " +
	"and tell the user if the information might be out of date."

// WebSearchTool is the one tool declared to the model.
var WebSearchTool = Tool{
	Name:        "web_search",
	Description: "Search the web for up-to-date information.",
	Params: []Param{
		{Name: "query", Description: "The search query.", Required: true},
	},
}

// DefaultTools returns the tool set declared on every session.
func DefaultTools() []Tool {
	return []Tool{WebSearchTool}
}

// PlaceholderResults synthesizes one result per call. Unknown tools get a
// short error text so the model can recover.
func PlaceholderResults(calls []ToolCall) []Part {
	parts := make([]Part, 0, len(calls))
	for _, c := range calls {
		content := WebSearchPlaceholder
		if c.Name != WebSearchTool.Name {
			content = "Tool " + c.Name + " is not available."
		}
		parts = append(parts, Part{ToolResult: &ToolResult{CallID: c.ID, Name: c.Name, Content: content}})
	}
	return parts
}
