package core

import "errors"

// Sentinel errors returned by the environment and the plugin boundary. Callers
// should test them with errors.Is; messages are wrapped with context.
var (
	ErrInvalidArguments  = errors.New("invalid arguments")
	ErrInvalidName       = errors.New("invalid body name")
	ErrNamingConflict    = errors.New("body name already in use")
	ErrInterfaceMismatch = errors.New("interface belongs to a different environment")
	ErrInvalidPlugin     = errors.New("plugin contract mismatch")
	ErrInvalidState      = errors.New("environment is not in a valid state for this call")
	ErrParserUnavailable = errors.New("no scene parser for this source")
)

// ErrorCode classifies errors for callers that need a stable kind code.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeInvalidArguments
	CodeInvalidName
	CodeNamingConflict
	CodeInterfaceMismatch
	CodeInvalidPlugin
	CodeInvalidState
	CodeParserUnavailable
)

var codeTable = []struct {
	err  error
	code ErrorCode
}{
	{ErrInvalidArguments, CodeInvalidArguments},
	{ErrInvalidName, CodeInvalidName},
	{ErrNamingConflict, CodeNamingConflict},
	{ErrInterfaceMismatch, CodeInterfaceMismatch},
	{ErrInvalidPlugin, CodeInvalidPlugin},
	{ErrInvalidState, CodeInvalidState},
	{ErrParserUnavailable, CodeParserUnavailable},
}

// CodeOf maps err to its ErrorCode. nil and unrecognised errors yield CodeUnknown.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeUnknown
}

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidArguments:
		return "invalid-arguments"
	case CodeInvalidName:
		return "invalid-name"
	case CodeNamingConflict:
		return "naming-conflict"
	case CodeInterfaceMismatch:
		return "interface-mismatch"
	case CodeInvalidPlugin:
		return "invalid-plugin"
	case CodeInvalidState:
		return "invalid-state"
	case CodeParserUnavailable:
		return "parser-unavailable"
	default:
		return "unknown"
	}
}
