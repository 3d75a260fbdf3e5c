package plan

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// PlanningError rejects a request before any backend is called.
type PlanningError struct {
	Message string
	Path    ast.Path
}

func planningErrorf(path ast.Path, format string, args ...interface{}) *PlanningError {
	return &PlanningError{Message: fmt.Sprintf(format, args...), Path: path}
}

func (e *PlanningError) Error() string {
	if len(e.Path) == 0 {
		return "planning failed: " + e.Message
	}
	return fmt.Sprintf("planning failed at %s: %s", e.Path.String(), e.Message)
}

func (e *PlanningError) GQLError() *gqlerror.Error {
	return &gqlerror.Error{
		Message:    e.Message,
		Path:       e.Path,
		Extensions: map[string]interface{}{"code": "PLANNING_ERROR"},
	}
}
