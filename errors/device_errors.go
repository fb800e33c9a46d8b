package errors

import "errors"

// Device flow sentinel errors. The first two are expected-transient: the
// polling client retries per protocol. The rest are terminal for the
// session; the client has to restart the flow.
var (
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrSlowDown             = errors.New("polling too frequently, slow down")

	ErrDeviceCodeNotFound      = errors.New("device code not found")
	ErrUserCodeNotFound        = errors.New("user code not found")
	ErrDeviceFlowTokenExpired  = errors.New("device code expired")
	ErrDeviceFlowAccessDenied  = errors.New("device authorization denied by user")
	ErrCannotApproveDeviceAuth = errors.New("device authorization cannot be approved")
)

// ErrStorageFailure marks faults of the shared expiring store. It is an
// internal error class: handlers translate it to a generic server_error and
// the details stay in the logs, tagged with a correlation id.
var ErrStorageFailure = errors.New("device authorization storage failure")
