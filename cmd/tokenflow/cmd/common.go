package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidroman0O/tokenflow"
)

func readDefinition(path string) (tokenflow.Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tokenflow.Raw{}, fmt.Errorf("reading %s: %w", path, err)
	}
	raw, err := tokenflow.ParseDefinition(data)
	if err != nil {
		return tokenflow.Raw{}, fmt.Errorf("%s: %w", path, err)
	}
	return raw, nil
}

// parseVars turns k=v pairs into variables. Values are read as YAML scalars,
// so numbers and booleans keep their type.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(v), &value); err != nil || value == nil {
			value = v
		}
		vars[k] = value
	}
	return vars, nil
}

type signalSpec struct {
	name  string
	delay time.Duration
}

// parseSignal reads name or name@delay.
func parseSignal(s string) (signalSpec, error) {
	name, after, found := strings.Cut(s, "@")
	if name == "" {
		return signalSpec{}, fmt.Errorf("invalid signal %q", s)
	}
	spec := signalSpec{name: name}
	if found {
		d, err := time.ParseDuration(after)
		if err != nil {
			return signalSpec{}, fmt.Errorf("invalid signal delay in %q: %w", s, err)
		}
		spec.delay = d
	}
	return spec, nil
}
