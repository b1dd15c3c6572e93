// Package tools provides the built-in tools and tool manifest loading for
// the toolstream engine.
package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Built-in tool names.
const (
	ReadFileToolName = "read_file"
	GlobToolName     = "glob"
)

// ToolErrorType classifies a tool failure for the model.
type ToolErrorType string

const (
	ErrFileNotFound       ToolErrorType = "FILE_NOT_FOUND"
	ErrInvalidParams      ToolErrorType = "INVALID_PARAMS"
	ErrPathNotInWorkspace ToolErrorType = "PATH_NOT_IN_WORKSPACE"
	ErrExecutionFailed    ToolErrorType = "EXECUTION_FAILED"
	ErrBinaryFile         ToolErrorType = "BINARY_FILE"
	ErrSymlinkEscape      ToolErrorType = "SYMLINK_ESCAPE"
)

// ToolError is returned by built-in handlers. Its text is what the model sees.
type ToolError struct {
	Type    ToolErrorType `json:"type"`
	Message string        `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewToolError creates a new ToolError.
func NewToolError(errType ToolErrorType, message string) *ToolError {
	return &ToolError{Type: errType, Message: message}
}

// NewToolErrorf creates a new ToolError with formatted message.
func NewToolErrorf(errType ToolErrorType, format string, args ...any) *ToolError {
	return &ToolError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// OutputLimits bounds what read_file returns.
type OutputLimits struct {
	MaxLines int
	MaxBytes int64
}

// DefaultOutputLimits returns the default read limits.
func DefaultOutputLimits() OutputLimits {
	return OutputLimits{MaxLines: 2000, MaxBytes: 50 * 1024}
}

// Sandbox confines file access to a set of directories.
// An empty sandbox allows only the working directory.
type Sandbox struct {
	dirs []string
}

// NewSandbox resolves dirs to absolute, symlink-free paths.
func NewSandbox(dirs []string) (*Sandbox, error) {
	if len(dirs) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		dirs = []string{wd}
	}
	s := &Sandbox{}
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", dir, err)
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		s.dirs = append(s.dirs, abs)
	}
	return s, nil
}

// Dirs returns the allowed roots.
func (s *Sandbox) Dirs() []string {
	return append([]string(nil), s.dirs...)
}

// Resolve returns the absolute form of path if it lies within an allowed
// directory. Relative paths are taken against the first directory.
func (s *Sandbox) Resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dirs[0], path)
	}
	abs := filepath.Clean(path)
	if !s.contains(abs) {
		return "", NewToolErrorf(ErrPathNotInWorkspace, "%s is outside the allowed directories", path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", NewToolError(ErrFileNotFound, path)
		}
		return "", NewToolErrorf(ErrExecutionFailed, "resolve %s: %v", path, err)
	}
	if !s.contains(resolved) {
		return "", NewToolErrorf(ErrSymlinkEscape, "%s resolves outside the allowed directories", path)
	}
	return resolved, nil
}

func (s *Sandbox) contains(path string) bool {
	for _, dir := range s.dirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
