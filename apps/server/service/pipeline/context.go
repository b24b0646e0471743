package pipeline

import "github.com/antinvestor/vibefix/internal/reasoning"

// Context bounds so one oversized repository cannot blow the analysis
// prompt: at most ten files, at most 2000 characters each.
const (
	maxContextFiles    = 10
	maxContextFileSize = 2000
)

// CodeContext is the bounded file selection handed to analysis. Entries
// keep scouting order and paths are unique.
type CodeContext struct {
	files []reasoning.SourceFile
	seen  map[string]bool
}

// NewCodeContext returns an empty context.
func NewCodeContext() *CodeContext {
	return &CodeContext{
		files: make([]reasoning.SourceFile, 0, maxContextFiles),
		seen:  make(map[string]bool, maxContextFiles),
	}
}

// Add records one file, truncating oversized content. Duplicates, empty
// entries, and additions past the file cap are dropped; the return value
// reports whether the file was kept.
func (c *CodeContext) Add(path, content string) bool {
	if len(c.files) >= maxContextFiles {
		return false
	}
	if path == "" || content == "" {
		return false
	}
	if c.seen[path] {
		return false
	}

	if len(content) > maxContextFileSize {
		content = content[:maxContextFileSize]
	}

	c.seen[path] = true
	c.files = append(c.files, reasoning.SourceFile{Path: path, Content: content})
	return true
}

// Files returns the selection in insertion order.
func (c *CodeContext) Files() []reasoning.SourceFile {
	return c.files
}

// Len returns the number of files held.
func (c *CodeContext) Len() int {
	return len(c.files)
}

// Empty reports whether no file resolved to content.
func (c *CodeContext) Empty() bool {
	return len(c.files) == 0
}

// Size returns the combined content size in bytes after truncation.
func (c *CodeContext) Size() int {
	total := 0
	for _, f := range c.files {
		total += len(f.Content)
	}
	return total
}
