package events

import "strings"

// Response is content a claiming plugin wants published.
type Response struct {
	Text    string   `json:"text"`
	FileIDs []string `json:"file_ids,omitempty"`
	// Visibility overrides the configured default when non-empty.
	Visibility string `json:"visibility,omitempty"`
}

// Empty reports whether there is nothing to publish.
func (r *Response) Empty() bool {
	return r == nil || (strings.TrimSpace(r.Text) == "" && len(r.FileIDs) == 0)
}

// Result is the outcome of one plugin invocation, or of a whole chain walk.
//
// The zero value is the unclaimed ("no opinion") variant. A plugin that has
// nothing to say returns Unclaimed(); returning an error is treated the same
// way by the dispatcher.
type Result struct {
	Handled  bool      `json:"handled"`
	Response *Response `json:"response,omitempty"`

	// Plugin is the claiming plugin; filled in by the dispatcher.
	Plugin string `json:"plugin,omitempty"`
	// Failures lists plugins that errored during the walk; filled in by the
	// dispatcher.
	Failures []error `json:"-"`
	// Aborted is set when the walk stopped early because its context ended.
	// An aborted result is never claimed.
	Aborted bool `json:"-"`
}

// Unclaimed is the no-opinion result.
func Unclaimed() Result { return Result{} }

// Handled claims the event. resp may be nil when the plugin handled the
// event itself and nothing should be published.
func Handled(resp *Response) Result {
	return Result{Handled: true, Response: resp}
}

// Reply is shorthand for Handled with a text-only response.
func Reply(text string) Result {
	return Handled(&Response{Text: text})
}

// Claimed reports whether the chain stopped at a plugin.
func (r Result) Claimed() bool { return r.Handled }

// Publishable reports whether the result carries content to publish.
func (r Result) Publishable() bool {
	return r.Handled && !r.Response.Empty()
}
