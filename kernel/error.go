package kernel

// Error describes a kernel error. Kernel errors are defined as package-level
// variables that are pointers to the Error structure so callers can compare
// them by identity; a syscall that fails with any Error reports -1 to user
// space.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
