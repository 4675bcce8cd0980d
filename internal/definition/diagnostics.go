package definition

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidDefinition = errors.New("invalid definition")

// Diagnostic is one validation problem, located by node and/or edge.
type Diagnostic struct {
	NodeID  string
	EdgeID  string
	Message string
}

func (d Diagnostic) String() string {
	switch {
	case d.NodeID != "" && d.EdgeID != "":
		return fmt.Sprintf("node %s, edge %s: %s", d.NodeID, d.EdgeID, d.Message)
	case d.NodeID != "":
		return fmt.Sprintf("node %s: %s", d.NodeID, d.Message)
	case d.EdgeID != "":
		return fmt.Sprintf("edge %s: %s", d.EdgeID, d.Message)
	}
	return d.Message
}

type CompileError struct {
	DefinitionID string
	Diagnostics  []Diagnostic
}

func (e *CompileError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "definition %q: %d problem(s)", e.DefinitionID, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		sb.WriteString("\n  ")
		sb.WriteString(d.String())
	}
	return sb.String()
}

func (e *CompileError) Unwrap() error {
	return ErrInvalidDefinition
}

type diagnostics []Diagnostic

func (ds *diagnostics) node(id, format string, args ...any) {
	*ds = append(*ds, Diagnostic{NodeID: id, Message: fmt.Sprintf(format, args...)})
}

func (ds *diagnostics) edge(id, format string, args ...any) {
	*ds = append(*ds, Diagnostic{EdgeID: id, Message: fmt.Sprintf(format, args...)})
}

func (ds *diagnostics) global(format string, args ...any) {
	*ds = append(*ds, Diagnostic{Message: fmt.Sprintf(format, args...)})
}
