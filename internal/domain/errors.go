package domain

import "errors"

// Failure taxonomy. Agent-level errors are recorded on the failing run
// and never abort sibling runs; only ErrOrchestrationFault aborts a
// task, and only before dispatch.
var (
	ErrPoolExhausted      = errors.New("no environment available within timeout")
	ErrProvisioningFailed = errors.New("environment provisioning failed")
	ErrRewriteFailed      = errors.New("rewrite collaborator failed")
	ErrInvalidBaseline    = errors.New("invalid baseline measurement")
	ErrBenchmarkTimeout   = errors.New("benchmark exceeded its budget")
	ErrTaskTimeout        = errors.New("task timed out")
	ErrOrchestrationFault = errors.New("orchestration fault")
)
