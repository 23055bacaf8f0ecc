package tools

import "errors"

var (
	// ErrToolNotFound is returned when executing an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolAlreadyRegistered is returned on duplicate registration.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrToolNameEmpty marks a tool definition without a name.
	ErrToolNameEmpty = errors.New("tool name is empty")

	// ErrToolExecuteNil marks a tool definition without an Execute func.
	ErrToolExecuteNil = errors.New("tool execute function is nil")

	// ErrMissingArgument marks a call missing a required argument.
	ErrMissingArgument = errors.New("missing required argument")
)
