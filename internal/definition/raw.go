package definition

// Raw is the graph as the designer emits it. Node configuration is a free-form
// map here; Compile turns it into closed typed configs.
type Raw struct {
	ID                  string            `json:"id" yaml:"id"`
	Version             int               `json:"version" yaml:"version"`
	Name                string            `json:"name,omitempty" yaml:"name,omitempty"`
	Inputs              []RawInput        `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Variables           map[string]any    `json:"variables,omitempty" yaml:"variables,omitempty"`
	Nodes               []RawNode         `json:"nodes" yaml:"nodes"`
	Edges               []RawEdge         `json:"edges" yaml:"edges"`
	ErrorHandlers       []RawErrorHandler `json:"errorHandlers,omitempty" yaml:"errorHandlers,omitempty"`
	CompensateOnFailure bool              `json:"compensateOnFailure,omitempty" yaml:"compensateOnFailure,omitempty"`
}

type RawInput struct {
	Name     string `json:"name" yaml:"name"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
}

type RawNode struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"`
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

type RawEdge struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority  int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Default   bool   `json:"default,omitempty" yaml:"default,omitempty"`
}

type RawErrorHandler struct {
	Code       string `json:"code" yaml:"code"`
	Target     string `json:"target,omitempty" yaml:"target,omitempty"`
	Compensate bool   `json:"compensate,omitempty" yaml:"compensate,omitempty"`
	Terminate  bool   `json:"terminate,omitempty" yaml:"terminate,omitempty"`
}
