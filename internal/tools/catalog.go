package tools

// Definition describes one tool for the model: its name, what it does, and a
// JSON-schema fragment for its input. Properties holds the schema's property
// map; Required lists the mandatory property names.
type Definition struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Catalog returns the definitions of all tools an [Executor] can run.
// The returned slice is freshly allocated; callers may reorder it.
func Catalog() []Definition {
	return []Definition{
		{
			Name:        "read_file",
			Description: "Read the contents of a file. Returns the file text. Paths are relative to the workspace root.",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path to read",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "Line number to start reading from (1-based). Optional.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to read. Optional.",
				},
			},
			Required: []string{"path"},
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file with the given content. Paths are relative to the workspace root.",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path to write",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to write to the file",
				},
			},
			Required: []string{"path", "content"},
		},
		{
			Name:        "edit_file",
			Description: "Replace an exact text match in a file. The old_text must appear exactly once in the file.",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path to edit",
				},
				"old_text": map[string]any{
					"type":        "string",
					"description": "Exact text to find and replace",
				},
				"new_text": map[string]any{
					"type":        "string",
					"description": "Replacement text",
				},
			},
			Required: []string{"path", "old_text", "new_text"},
		},
		{
			Name:        "bash",
			Description: "Run a shell command and return its output. Commands run in the workspace root directory.",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (default 30)",
				},
			},
			Required: []string{"command"},
		},
		{
			Name:        "glob",
			Description: "Find files matching a glob pattern. Returns a list of matching file paths.",
			Properties: map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern (e.g. '**/*.py', 'src/*.ts')",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to search in (default: workspace root)",
				},
			},
			Required: []string{"pattern"},
		},
		{
			Name:        "grep",
			Description: "Search file contents for a regex pattern. Returns matching lines with file paths and line numbers.",
			Properties: map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Regex pattern to search for",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "File or directory to search in (default: workspace root)",
				},
				"include": map[string]any{
					"type":        "string",
					"description": "Glob pattern to filter files (e.g. '*.py')",
				},
			},
			Required: []string{"pattern"},
		},
		{
			Name:        "list_directory",
			Description: "List the contents of a directory. Returns file and directory names.",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory path (default: workspace root)",
				},
			},
			Required: []string{},
		},
	}
}
