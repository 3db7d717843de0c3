package llms

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Tool describes one function the model may call. Tools built with NewTool
// are locally executable; tools received over the wire are descriptions only.
type Tool struct {
	Type     string
	Function ToolFunction

	execute func(arguments string) (string, error)
}

type ToolFunction struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// NewTool builds a locally executable tool whose parameter schema is
// reflected from T. Arguments are delivered as the raw JSON the model
// produced and unmarshalled into T before execute runs.
func NewTool[T any](name, description string, execute func(T) (string, error)) Tool {
	var zero T
	// ExpandedStruct hoists the schema registered under the type's name;
	// unnamed types have no such entry and would crash the reflector, so
	// they rely on DoNotReference inlining the schema instead.
	named := false
	if t := reflect.TypeOf(zero); t != nil && t.Name() != "" {
		named = true
	}
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: named,
	}
	schema := reflector.Reflect(&zero)
	schema.Version = ""

	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  schema,
		},
		execute: func(arguments string) (string, error) {
			var parameters T
			if arguments != "" {
				if err := json.Unmarshal([]byte(arguments), &parameters); err != nil {
					return "", fmt.Errorf("failed to parse arguments for tool %q: %w", name, err)
				}
			}
			return execute(parameters)
		},
	}
}

func (t Tool) Execute(arguments string) (string, error) {
	if t.execute == nil {
		return "", fmt.Errorf("tool %q is not locally executable", t.Function.Name)
	}
	return t.execute(arguments)
}

// IsExecutable reports whether the tool carries a local implementation.
func (t Tool) IsExecutable() bool {
	return t.execute != nil
}
