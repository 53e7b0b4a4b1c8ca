package client

import (
	"errors"
	"regexp"
	"strings"

	"github.com/tensorlens/tensorlens/internal/broadcast"
)

// ErrServer carries an error envelope the probe sent in answer to a
// request, e.g. for an unknown tensor or config field.
type ErrServer struct {
	Message string
}

func (e *ErrServer) Error() string {
	return "server error: " + e.Message
}

// ServerError converts an error envelope into a Go error. Envelopes of
// any other type yield nil.
func ServerError(env *broadcast.Envelope) error {
	if env == nil || env.Type != broadcast.TypeError {
		return nil
	}
	return &ErrServer{Message: env.Message}
}

// Regex to parse the probe's missing-tensor message
var tensorNotFoundRegex = regexp.MustCompile(`tensor not found: (.+)`)

// IsTensorNotFound checks whether err is the probe's answer to a
// request for a tensor it no longer caches. On success it returns the
// tensor name.
func IsTensorNotFound(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	msg := err.Error()
	var se *ErrServer
	if errors.As(err, &se) {
		msg = se.Message
	}

	matches := tensorNotFoundRegex.FindStringSubmatch(msg)
	if len(matches) == 2 {
		return strings.TrimSpace(matches[1]), true
	}
	return "", false
}
