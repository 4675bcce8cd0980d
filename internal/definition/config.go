package definition

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// NodeConfig is the closed set of per-kind configurations.
type NodeConfig interface {
	isNodeConfig()
}

type RetryConfig struct {
	MaxRetries        int           `config:"maxRetries"`
	InitialDelay      time.Duration `config:"initialDelay"`
	MaxDelay          time.Duration `config:"maxDelay"`
	BackoffMultiplier float64       `config:"backoffMultiplier"`
}

type ErrorBoundary struct {
	Code       string `config:"code"`
	Target     string `config:"target"`
	Compensate bool   `config:"compensate"`
	Terminate  bool   `config:"terminate"`
}

// ActivityConfig is shared by every node executed through a handler.
type ActivityConfig struct {
	Handler string `config:"handler"`
	// Inputs maps handler parameter names to expressions.
	Inputs map[string]string `config:"inputs"`
	// Outputs maps variable names to keys of the handler result.
	Outputs         map[string]string `config:"outputs"`
	Retry           *RetryConfig      `config:"retry"`
	Timeout         time.Duration     `config:"timeout"`
	ErrorBoundaries []ErrorBoundary   `config:"errorBoundaries"`
}

type activity interface {
	activityConfig() *ActivityConfig
}

func (a *ActivityConfig) activityConfig() *ActivityConfig { return a }

// ActivityOf returns the handler part of a task-like configuration.
func ActivityOf(cfg NodeConfig) (*ActivityConfig, bool) {
	a, ok := cfg.(activity)
	if !ok {
		return nil, false
	}
	return a.activityConfig(), true
}

type NoConfig struct{}

type TaskConfig struct {
	ActivityConfig `config:",squash"`
}

type Assignment struct {
	Variable   string `config:"variable"`
	Expression string `config:"expression"`
}

type ScriptConfig struct {
	ActivityConfig `config:",squash"`
	Script         []Assignment `config:"script"`
}

type HttpConfig struct {
	ActivityConfig `config:",squash"`
	Method         string            `config:"method"`
	URL            string            `config:"url"`
	Headers        map[string]string `config:"headers"`
	Body           string            `config:"body"`
	ResultVariable string            `config:"resultVariable"`
	StatusVariable string            `config:"statusVariable"`
}

type EmailConfig struct {
	ActivityConfig `config:",squash"`
	To             string `config:"to"`
	Subject        string `config:"subject"`
	Body           string `config:"body"`
}

type GatewayConfig struct {
	Join string `config:"join"`
}

type TimerConfig struct {
	Duration time.Duration `config:"duration"`
	Date     time.Time     `config:"date"`
	Cron     string        `config:"cron"`
}

type SignalCatchConfig struct {
	Signal          string `config:"signal"`
	PayloadVariable string `config:"payloadVariable"`
}

type SignalThrowConfig struct {
	Signal  string            `config:"signal"`
	Payload map[string]string `config:"payload"`
}

type CallConfig struct {
	Definition string `config:"definition"`
	Version    int    `config:"version"`
	// Inputs maps child variables to expressions over the parent variables.
	Inputs map[string]string `config:"inputs"`
	// Outputs maps parent variables to expressions over the child variables.
	Outputs         map[string]string `config:"outputs"`
	Retry           *RetryConfig      `config:"retry"`
	ErrorBoundaries []ErrorBoundary   `config:"errorBoundaries"`
}

type MultiInstanceConfig struct {
	Activity               map[string]any `config:"activity"`
	Collection             string         `config:"collection"`
	ItemVariable           string         `config:"itemVariable"`
	IndexVariable          string         `config:"indexVariable"`
	Sequential             bool           `config:"sequential"`
	CompletionCondition    string         `config:"completionCondition"`
	KeepRemainingOnFailure bool           `config:"keepRemainingOnFailure"`
	OutputCollection       string         `config:"outputCollection"`
	OutputElement          string         `config:"outputElement"`

	// Inner is the compiled wrapped activity.
	Inner *Node `config:"-"`
}

func (NoConfig) isNodeConfig()             {}
func (*TaskConfig) isNodeConfig()          {}
func (*ScriptConfig) isNodeConfig()        {}
func (*HttpConfig) isNodeConfig()          {}
func (*EmailConfig) isNodeConfig()         {}
func (*GatewayConfig) isNodeConfig()       {}
func (*TimerConfig) isNodeConfig()         {}
func (*SignalCatchConfig) isNodeConfig()   {}
func (*SignalThrowConfig) isNodeConfig()   {}
func (*CallConfig) isNodeConfig()          {}
func (*MultiInstanceConfig) isNodeConfig() {}

// Multi-instance builtins visible to completion conditions and child expressions.
const (
	VarInstances          = "nrOfInstances"
	VarCompletedInstances = "nrOfCompletedInstances"
	VarActiveInstances    = "nrOfActiveInstances"
	VarLoopCounter        = "loopCounter"
)

// Built-in handler types used when a node does not name one.
const (
	HandlerScript = "script"
	HandlerHttp   = "http"
	HandlerEmail  = "email"
)

func newConfig(k Kind) NodeConfig {
	switch k {
	case KindTask, KindServiceTask, KindUserTask:
		return &TaskConfig{}
	case KindScript:
		return &ScriptConfig{}
	case KindHttp:
		return &HttpConfig{}
	case KindEmail:
		return &EmailConfig{}
	case KindExclusiveGateway, KindParallelGateway, KindInclusiveGateway:
		return &GatewayConfig{}
	case KindTimer:
		return &TimerConfig{}
	case KindSignalCatch:
		return &SignalCatchConfig{}
	case KindSignalThrow:
		return &SignalThrowConfig{}
	case KindCallActivity:
		return &CallConfig{}
	case KindMultiInstance:
		return &MultiInstanceConfig{}
	}
	return NoConfig{}
}

// decodeConfig decodes a designer map into the typed config of the kind.
// Unknown keys are errors.
func decodeConfig(k Kind, raw map[string]any) (NodeConfig, error) {
	cfg := newConfig(k)
	if _, ok := cfg.(NoConfig); ok {
		if len(raw) > 0 {
			keys := make([]string, 0, len(raw))
			for key := range raw {
				keys = append(keys, key)
			}
			return nil, fmt.Errorf("%s nodes take no configuration, got %v", k, keys)
		}
		return cfg, nil
	}
	if len(raw) == 0 {
		return cfg, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Squash:           true,
		TagName:          "config",
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, err
	}
	return cfg, nil
}
