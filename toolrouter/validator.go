package toolrouter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// argsValidator checks call arguments against a compiled parameter schema.
type argsValidator struct {
	schema *gojsonschema.Schema
}

func newArgsValidator(schemaJSON json.RawMessage) (*argsValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("invalid parameter schema: %w", err)
	}
	return &argsValidator{schema: schema}, nil
}

// validate returns an error wrapping ErrInvalidArgs listing every violation.
func (v *argsValidator) validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		problems[i] = desc.String()
	}
	return fmt.Errorf("%w: %s", ErrInvalidArgs, strings.Join(problems, "; "))
}

// taskArg extracts the validated task string.
func taskArg(args map[string]any) string {
	s, _ := args["task"].(string)
	return s
}
