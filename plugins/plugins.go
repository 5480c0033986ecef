// Package plugins is the registration table of the compiled-in plugins.
package plugins

import (
	"github.com/sipeed/misskeybot/pkg/plugin"
	"github.com/sipeed/misskeybot/plugins/aireply"
	"github.com/sipeed/misskeybot/plugins/example"
	"github.com/sipeed/misskeybot/plugins/topics"
	"github.com/sipeed/misskeybot/plugins/weather"
)

// Sources lists every built-in plugin in discovery order.
func Sources() []plugin.Source {
	return []plugin.Source{
		plugin.Single(example.Name, "ExamplePlugin", example.New),
		plugin.Single(topics.Name, "TopicsPlugin", topics.New),
		plugin.Single(weather.Name, "WeatherPlugin", weather.New),
		plugin.Single(aireply.Name, "AIReplyPlugin", aireply.New),
	}
}
