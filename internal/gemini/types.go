package gemini

import "strings"

// BlockedError reports a prompt rejected by the service's safety filters.
type BlockedError struct {
	Reason  string
	Message string
}

func (e *BlockedError) Error() string {
	msg := "prompt was blocked"
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if strings.TrimSpace(e.Message) != "" {
		msg += ": " + strings.TrimSpace(e.Message)
	}
	return msg
}

// Output is the first inline image of a response.
type Output struct {
	Data     []byte
	MimeType string
}
