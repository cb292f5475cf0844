/*
Package envconfig keeps settings in a file that several processes may share, while letting the
environment override any of them. Every Entry maps an id to a value, the environment variable
that can override it and an optional comment.

The environment always wins. Reading or writing an Entry whose environment variable is set to
something else rewrites the file with the environment's value. When the variable is not set it
is exported with the file's value, so child processes see the same configuration.
*/
package envconfig

type Entry struct {
	Id      string
	Value   string
	Comment string
	EnvVar  string
}

type EnvConfig interface {
	// Set stores the entry and returns the value that ended up in the file, which is the
	// environment variable's when it is set
	Set(entry Entry) (string, error)
	// Get returns the stored entry after reconciling it with its environment variable
	Get(id string) (Entry, error)
	// Delete removes the entry, hard also unsets its environment variable
	Delete(id string, hard bool) error
	// DeleteAll empties the file, hard also unsets every environment variable in it
	DeleteAll(hard bool) error
}
