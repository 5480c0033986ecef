package plugin

import (
	"context"
	"errors"
	"net/http"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
)

// ErrUnavailable is returned by the inert collaborators a Context falls back
// to when the bot was assembled without the real one.
var ErrUnavailable = errors.New("collaborator unavailable")

// ConfigReader is the read-only configuration view given to plugins.
type ConfigReader interface {
	Lookup(path string) (interface{}, bool)
	LookupString(path, def string) string
	LookupInt(path string, def int) int
	LookupBool(path string, def bool) bool
	LookupStrings(path string) []string
}

// KV is a plugin's private key/value namespace.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Proxy is the outbound-call surface plugins may use. Every call goes
// through the bot's retry policy.
type Proxy interface {
	// Generate asks the language model for text.
	Generate(ctx context.Context, system, prompt string) (string, error)
	// Chat is Generate with the earlier turns of a conversation.
	Chat(ctx context.Context, system string, history []events.Turn, prompt string) (string, error)
	// Do sends an HTTP request to an external API. Non-2xx responses are
	// returned as errors; the response body is already buffered.
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Introspector exposes the registry read-only.
type Introspector interface {
	Descriptors() []Descriptor
	Lookup(name string) (Descriptor, bool)
}

// Context is handed to every hook call. All fields are non-nil.
type Context struct {
	Plugin   string
	Config   ConfigReader
	Store    KV
	Proxy    Proxy
	Log      logger.Sink
	Registry Introspector
}

// Services are the collaborators a ContextFactory binds into each Context.
// Any of them may be nil.
type Services struct {
	Config ConfigReader
	// Namespace returns the KV view for one plugin.
	Namespace func(plugin string) KV
	Proxy     Proxy
}

// NewContext builds the Context for plugin name, substituting inert
// implementations for missing collaborators.
func NewContext(name string, svc Services, reg Introspector) *Context {
	pc := &Context{
		Plugin:   name,
		Config:   svc.Config,
		Proxy:    svc.Proxy,
		Log:      logger.NewSink(name),
		Registry: reg,
	}
	if svc.Namespace != nil {
		pc.Store = svc.Namespace(name)
	}
	if pc.Config == nil {
		pc.Config = nopConfig{}
	}
	if pc.Store == nil {
		pc.Store = nopKV{}
	}
	if pc.Proxy == nil {
		pc.Proxy = nopProxy{}
	}
	if pc.Registry == nil {
		pc.Registry = nopIntrospector{}
	}
	return pc
}

type nopConfig struct{}

func (nopConfig) Lookup(string) (interface{}, bool)        { return nil, false }
func (nopConfig) LookupString(_ string, def string) string { return def }
func (nopConfig) LookupInt(_ string, def int) int          { return def }
func (nopConfig) LookupBool(_ string, def bool) bool       { return def }
func (nopConfig) LookupStrings(string) []string            { return nil }

type nopKV struct{}

func (nopKV) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (nopKV) Set(context.Context, string, string) error         { return ErrUnavailable }
func (nopKV) Delete(context.Context, string) error              { return nil }

type nopProxy struct{}

func (nopProxy) Generate(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}

func (nopProxy) Chat(context.Context, string, []events.Turn, string) (string, error) {
	return "", ErrUnavailable
}

func (nopProxy) Do(context.Context, *http.Request) (*http.Response, error) {
	return nil, ErrUnavailable
}

type nopIntrospector struct{}

func (nopIntrospector) Descriptors() []Descriptor        { return nil }
func (nopIntrospector) Lookup(string) (Descriptor, bool) { return Descriptor{}, false }
