package bot

import (
	"context"
	"net/http"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/plugin"
	"github.com/sipeed/misskeybot/pkg/providers"
)

// pluginProxy is the plugin.Proxy bound into every plugin context. Model
// calls fail with plugin.ErrUnavailable when no provider is configured;
// HTTP calls work either way.
type pluginProxy struct {
	model *providers.Proxy
	out   *providers.Outbound
}

func (p pluginProxy) Generate(ctx context.Context, system, prompt string) (string, error) {
	if p.model == nil {
		return "", plugin.ErrUnavailable
	}
	return p.model.Generate(ctx, system, prompt)
}

func (p pluginProxy) Chat(ctx context.Context, system string, history []events.Turn, prompt string) (string, error) {
	if p.model == nil {
		return "", plugin.ErrUnavailable
	}
	return p.model.Chat(ctx, system, history, prompt)
}

func (p pluginProxy) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return p.out.Do(ctx, req)
}

var _ plugin.Proxy = pluginProxy{}
