package chatengine

import (
	"errors"
	"fmt"
)

// Failure taxonomy for the chat engine. Every error surfaced by a component
// wraps exactly one of these sentinels so callers can classify with errors.Is.
var (
	// ErrInsufficientTokens: the affordability check failed before dispatch.
	ErrInsufficientTokens = errors.New("insufficient tokens")

	// ErrRemoteConfiguration: the generation backend is misconfigured.
	ErrRemoteConfiguration = errors.New("remote configuration error")

	// ErrValidation: a malformed request was rejected before any side effect.
	ErrValidation = errors.New("validation error")

	// ErrStoreUnavailable: the session/message remote store could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrBalanceUnavailable: the token balance could not be read and no cached
	// value exists to fall back to.
	ErrBalanceUnavailable = errors.New("token balance unavailable")

	// ErrSendInFlight: a send is already in progress for the session.
	ErrSendInFlight = errors.New("send already in flight")

	// ErrUnknown: generic fallback; the conversation remains usable.
	ErrUnknown = errors.New("unknown error")
)

// ErrTransport covers all stream-transport faults. The specific conditions
// below wrap it, so errors.Is(err, ErrTransport) matches any of them.
var (
	ErrTransport            = errors.New("transport error")
	ErrConnectFailed        = fmt.Errorf("%w: connect failed", ErrTransport)
	ErrStreamFaulted        = fmt.Errorf("%w: stream faulted", ErrTransport)
	ErrRetryBudgetExhausted = fmt.Errorf("%w: retry budget exhausted", ErrTransport)
)
