package contracts

import "errors"

// Error taxonomy shared across the core. Each package that raises one of
// these wraps it with call-site context via
// fmt.Errorf("...: %w", err); callers should compare with errors.Is.
var (
	ErrConfigInvalid          = errors.New("config rejected: validation failed")
	ErrModuleConfigureFailed  = errors.New("module configure failed")
	ErrModuleStartFailed      = errors.New("module start failed")
	ErrPublishTimeout         = errors.New("publish timed out waiting for queue space")
	ErrPublishCancelled       = errors.New("publish cancelled")
	ErrHandlerTimeout         = errors.New("handler invocation timed out")
	ErrBusOverflow            = errors.New("subscription queue overflowed")
	ErrShutdownDeadlineExceeded = errors.New("module missed its shutdown deadline")
)
