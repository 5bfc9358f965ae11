package approvals

import (
	"regexp"

	"github.com/opsbutler/butler/common/redact"
)

// credentialPatterns catches credential-shaped substrings that a key-name
// based redactor would miss because the secret landed in a field whose name
// gives no hint (e.g. a free-text agent_summary quoting a URL with an
// embedded token).
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), // JWT-like triple
	regexp.MustCompile(`https?://[^\s]*[?&](token|key|secret|auth)=[^\s&]+`),
}

const credentialPlaceholder = "[REDACTED]"

// RedactArgs returns a copy of tool call args with sensitive-named keys and
// credential-shaped values masked, suitable for persistence in tool_args
//. Applied before any persistence of
// tool_args or agent_summary — to logs, events, and operator-visible
// summaries alike.
func RedactArgs(args map[string]any) map[string]any {
	out := redact.Map(args)
	for k, v := range out {
		if s, ok := v.(string); ok {
			out[k] = RedactText(s)
		}
	}
	return out
}

// RedactText masks credential-shaped substrings in free text (agent
// summaries, log lines) that a key-name redactor can't reach.
func RedactText(s string) string {
	for _, re := range credentialPatterns {
		s = re.ReplaceAllString(s, credentialPlaceholder)
	}
	return s
}
