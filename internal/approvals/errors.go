package approvals

import "errors"

// ErrConfiguration marks a configuration-time error: invalid module config,
// an unknown gated tool name, or (here) a rule that violates the risk-tier
// invariant. These are meant to be fatal at startup, not recovered inline
//.
var ErrConfiguration = errors.New("approvals: configuration error")
