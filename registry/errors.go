package registry

type ErrInvalidExecutor struct {
	msg string
}

func (e *ErrInvalidExecutor) Error() string {
	return e.msg
}

type ErrExecutorAlreadyRegistered struct {
	msg string
}

func (e *ErrExecutorAlreadyRegistered) Error() string {
	return e.msg
}
