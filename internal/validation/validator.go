package validation

import "strings"

// Validator checks a JSON-compatible value against a compiled schema.
type Validator interface {
	IsValid(data any) bool
	IterErrors(data any) []Violation
}

// Violation is one failed constraint. Path holds the instance location segments
// of the offending value, empty for the document root.
type Violation struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

// AbsolutePath renders Path as a JSON pointer ("/" for the root).
func (v Violation) AbsolutePath() string {
	return "/" + strings.Join(v.Path, "/")
}

func (v Violation) String() string {
	return v.AbsolutePath() + ": " + v.Message
}

// JoinViolations renders violations as "path: message; path: message".
func JoinViolations(vs []Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}
