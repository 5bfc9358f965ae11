package approvals

import (
	"fmt"
	"strings"
)

// ChatDecision holds the result of parsing an approve/reject message sent
// by the owner from whatever channel the Switchboard ingested it from.
// Adapted from a plain-text chat command parser so an owner can
// resolve a pending approval without leaving their messaging client.
type ChatDecision struct {
	// Approve is true for "approve", false for "reject"/"deny".
	Approve bool
	// ActionID is the ID of the pending action being decided.
	ActionID string
	// Reason is the optional reason text (required for reject).
	Reason string
}

// ErrNotADecision is returned when the message is not an approve/reject
// command.
var ErrNotADecision = fmt.Errorf("not an approval decision")

// ParseChatDecision parses a plain room message into a ChatDecision.
//
// Accepted formats (case-insensitive verb):
//
//	approve <action-id>
//	approve <action-id> <reason text>
//	reject <action-id> reason="<text>"
//	deny <action-id> <reason text>
func ParseChatDecision(text string) (*ChatDecision, error) {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)

	var isApprove bool
	var verbLen int
	switch {
	case strings.HasPrefix(lower, "approve "), lower == "approve":
		isApprove, verbLen = true, len("approve")
	case strings.HasPrefix(lower, "reject "), lower == "reject":
		isApprove, verbLen = false, len("reject")
	case strings.HasPrefix(lower, "deny "), lower == "deny":
		isApprove, verbLen = false, len("deny")
	default:
		return nil, ErrNotADecision
	}

	rest := strings.TrimSpace(text[verbLen:])
	if rest == "" {
		return nil, fmt.Errorf("usage: %s <action-id> [reason]", decisionVerb(isApprove))
	}

	parts := strings.Fields(rest)
	id := parts[0]

	var reason string
	if len(parts) > 1 {
		reason = parseReason(strings.Join(parts[1:], " "))
	}

	if !isApprove && strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf(`reject requires a reason: reject <action-id> reason="<text>" or reject <action-id> <text>`)
	}

	return &ChatDecision{Approve: isApprove, ActionID: id, Reason: reason}, nil
}

func decisionVerb(approve bool) string {
	if approve {
		return "approve"
	}
	return "reject"
}

func parseReason(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "reason=") {
		val := s[len("reason="):]
		return strings.Trim(val, `"'`)
	}
	return s
}
