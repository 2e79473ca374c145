package workflowerrors

import goerrors "github.com/go-errors/errors"

// stack returns the stack trace starting at the caller skip frames above stack's caller.
func stack(skip int) string {
	goerr := goerrors.Wrap("", skip+1)
	return string(goerr.Stack())
}
