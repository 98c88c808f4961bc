package task

import "strings"

// BackendKind names one of the execution backends.
type BackendKind string

const (
	BackendQueue    BackendKind = "queue"
	BackendWorkflow BackendKind = "workflow"
	BackendExternal BackendKind = "external"
)

// BackendKinds lists every kind in routing-independent order.
var BackendKinds = []BackendKind{BackendQueue, BackendWorkflow, BackendExternal}

func (k BackendKind) Valid() bool {
	switch k {
	case BackendQueue, BackendWorkflow, BackendExternal:
		return true
	default:
		return false
	}
}

func (k BackendKind) String() string { return string(k) }

// ParseBackendKind accepts the kind name in any case.
func ParseBackendKind(s string) (BackendKind, bool) {
	k := BackendKind(strings.ToLower(strings.TrimSpace(s)))
	return k, k.Valid()
}
