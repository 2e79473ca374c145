package file

import "github.com/stepflow/go-stepflow/backend"

const DefaultDirectory = ".workflow_state"

type Options struct {
	backend.Options

	// Directory holds one file per state and per definition.
	Directory string
}

type option func(*Options)

// WithDirectory sets the directory states are written to.
func WithDirectory(dir string) option {
	return func(o *Options) {
		o.Directory = dir
	}
}

// WithBackendOptions allows to pass generic backend options.
func WithBackendOptions(opts ...backend.BackendOption) option {
	return func(o *Options) {
		for _, opt := range opts {
			opt(&o.Options)
		}
	}
}
