package config

import "fmt"

// ReadError reports a config read that could not produce a valid Snapshot: missing file,
// parse failure, missing enabled key or an invalid value. The watcher keeps the
// last-known-good snapshot when it sees one.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("read config: %v", e.Err)
	}
	return fmt.Sprintf("read config %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
