package definition

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindStart
	KindEnd
	KindTask
	KindServiceTask
	KindUserTask
	KindScript
	KindHttp
	KindEmail
	KindExclusiveGateway
	KindParallelGateway
	KindInclusiveGateway
	KindTimer
	KindSignalCatch
	KindSignalThrow
	KindCallActivity
	KindMultiInstance
)

var kindNames = map[Kind]string{
	KindStart:            "start",
	KindEnd:              "end",
	KindTask:             "task",
	KindServiceTask:      "serviceTask",
	KindUserTask:         "userTask",
	KindScript:           "script",
	KindHttp:             "http",
	KindEmail:            "email",
	KindExclusiveGateway: "exclusiveGateway",
	KindParallelGateway:  "parallelGateway",
	KindInclusiveGateway: "inclusiveGateway",
	KindTimer:            "timer",
	KindSignalCatch:      "signalCatch",
	KindSignalThrow:      "signalThrow",
	KindCallActivity:     "callActivity",
	KindMultiInstance:    "multiInstance",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseKind accepts the designer type names case-insensitively, with or
// without separators ("service_task", "ServiceTask", "service-task").
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	for k, n := range kindNames {
		if strings.ToLower(n) == norm {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown node type %q", s)
}

// TaskLike kinds execute through a handler (or a child instance) and can be
// retried.
func (k Kind) TaskLike() bool {
	switch k {
	case KindTask, KindServiceTask, KindUserTask, KindScript, KindHttp, KindEmail, KindCallActivity:
		return true
	}
	return false
}

func (k Kind) Gateway() bool {
	return k == KindExclusiveGateway || k == KindParallelGateway || k == KindInclusiveGateway
}

// Forking gateways need a paired join.
func (k Kind) Forking() bool {
	return k == KindParallelGateway || k == KindInclusiveGateway
}
