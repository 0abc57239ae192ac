package model

import "fmt"

// ValidationError reports malformed entity construction. It is raised
// synchronously to the caller and never persisted as a run or task state.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}
