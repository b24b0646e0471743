package reasoning

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// PromptBuilder builds prompts for reasoning functions.
type PromptBuilder struct {
	templates map[Function]*template.Template
}

// NewPromptBuilder creates a new prompt builder.
func NewPromptBuilder() (*PromptBuilder, error) {
	pb := &PromptBuilder{
		templates: make(map[Function]*template.Template),
	}

	// Register all templates
	templates := map[Function]string{
		FunctionScoutFiles:    scoutFilesTemplate,
		FunctionAnalyzeVisual: analyzeVisualTemplate,
		FunctionSelfCorrect:   selfCorrectTemplate,
	}

	for fn, tmpl := range templates {
		t, err := template.New(string(fn)).Funcs(templateFuncs).Parse(tmpl)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", fn, err)
		}
		pb.templates[fn] = t
	}

	return pb, nil
}

// Build builds a prompt for the given function and data.
func (pb *PromptBuilder) Build(fn Function, data any) (string, error) {
	t, ok := pb.templates[fn]
	if !ok {
		return "", fmt.Errorf("unknown function: %s", fn)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	return buf.String(), nil
}

// templateFuncs provides template helper functions.
//
//nolint:gochecknoglobals // Template functions are inherently global
var templateFuncs = template.FuncMap{
	"join":  strings.Join,
	"fence": func() string { return "```" },
	"orDefault": func(s, fallback string) string {
		if s == "" {
			return fallback
		}
		return s
	},
}

// ScoutFilesInput is the input for ScoutRelevantFiles.
type ScoutFilesInput struct {
	Paths       []string
	Description string
}

const scoutFilesTemplate = `You are The Sentinel in Scout Mode.
Your job is to identify which files in a codebase are likely relevant to a bug.

**Your Task:**
Given a file tree listing and a bug description, return ONLY the file paths
that are likely relevant to fix the bug.

**Output Format (JSON Only):**
{
    "relevant_files": ["path/to/file1", "path/to/file2"],
    "reasoning": "Brief explanation of why these files were selected"
}

**Guidelines:**
- Select files that likely contain the bug or need modification
- Focus on frontend files (JSX, TSX, CSS, styled-components)
- Include configuration files if relevant (tailwind.config, etc.)
- Limit to 5-10 most relevant files
- Be conservative - only select files you're confident about

**File Tree:**
{{- range .Paths}}
- {{.}}
{{- end}}
{{- if .Description}}

**Bug Description:** {{.Description}}
{{- end}}

Identify the most relevant files for fixing this bug.`

// AnalyzeVisualInput is the input for AnalyzeVisualBug.
type AnalyzeVisualInput struct {
	Files       []SourceFile
	Description string
}

const analyzeVisualTemplate = `You are The Sentinel, an elite Design Engineer and QA Specialist.
You possess 'Vibe Intelligence', the ability to map visual behavior in images and video to the underlying code logic.

**Your Task:**
1. Analyze the provided screenshots or video frames.
2. Read the provided Codebase Context and Bug Description (if any).
3. Identify where the Codebase implementation diverges from the visual behavior seen in the media (or where it conflicts with the bug description).
4. Generate the SPECIFIC code fix. Do not explain *how* to fix it; provide the *actual code block* to replace.

**Output Format (JSON Only):**
{
    "analysis": "Short description of the visual bug",
    "severity": "High/Medium/Low",
    "fix": {
        "file_path": "path/to/file",
        "code": "The full corrected code block"
    }
}

**Guidelines:**
- Be precise and specific about the issue
- Provide complete, working code in the fix.code field
- The code should be production-ready and follow best practices
- Match the style and conventions of the existing codebase

**Codebase Context:**

{{range .Files}}### {{.Path}}
{{fence}}
{{.Content}}
{{fence}}

{{end}}
{{- if .Description}}**Bug Description:** {{.Description}}

{{end -}}
Analyze the provided visual context and code. Identify discrepancies and provide the fix.`

// SelfCorrectInput is the input for SelfCorrectErrors.
type SelfCorrectInput struct {
	FilePath string
	Code     string
	Logs     []CheckFailure
}

const selfCorrectTemplate = `You are The Sentinel in Self-Correction Mode.
Your previous code fix was submitted to CI/CD and FAILED.

**Your Task:**
1. Analyze the provided CI/CD error logs
2. Look at the code you previously suggested
3. Fix the errors and provide a corrected version

**Error Categories to Handle:**
- Syntax errors (missing brackets, typos)
- Type errors (TypeScript type mismatches)
- Import errors (missing or incorrect imports)
- Lint errors (ESLint/Prettier violations)
- Runtime errors (undefined variables, null references)

**Output Format (JSON Only):**
{
    "error_analysis": "Description of what went wrong",
    "corrected_code": "The fixed code block",
    "changes_made": "Brief explanation of the changes"
}

**Guidelines:**
- Fix ALL errors, not just the first one
- Maintain the original intent of the fix
- Ensure the code passes common lint rules
- Add any missing imports or type definitions

**File:** {{.FilePath}}

**Original Code:**
{{fence}}
{{.Code}}
{{fence}}

**CI/CD Error Logs:**
{{- range $i, $log := .Logs}}
{{- if $i}}
{{end}}
Check: {{$log.Name}}
Conclusion: {{$log.Conclusion}}
Title: {{orDefault $log.Title "N/A"}}
Summary: {{orDefault $log.Summary "N/A"}}
{{- end}}

Please provide the corrected code that fixes all errors.`
