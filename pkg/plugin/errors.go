package plugin

import (
	"fmt"
	"strings"
)

// LoadError reports a source that could not be turned into a plugin. The
// source is skipped; loading continues with the next one.
type LoadError struct {
	Source string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("plugin %s: %s", e.Source, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

// AmbiguousPluginError reports a source exposing several handlers of which
// none, or more than one, matches the source name.
type AmbiguousPluginError struct {
	Source     string
	Candidates []string
}

func (e *AmbiguousPluginError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("plugin %s: source exposes no handler", e.Source)
	}
	return fmt.Sprintf("plugin %s: cannot choose between handlers %s", e.Source, strings.Join(e.Candidates, ", "))
}
