package agent

import "errors"

// ErrUnauthorized is returned when the server rejects the agent's
// auth token. The delivery pipeline treats it as a signal to drop the
// cached credentials and re-enter the registration workflow.
var ErrUnauthorized = errors.New("auth token rejected by server")

// ErrRejected is returned when an operator has rejected this agent's
// registration. The state is terminal for the current identity.
var ErrRejected = errors.New("registration rejected by operator")
