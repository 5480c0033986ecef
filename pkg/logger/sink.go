package logger

// Sink is a logging handle bound to one component name. Plugins receive a
// Sink instead of calling the package functions so their lines are tagged
// with the plugin name. The zero value logs under the "plugin" component.
type Sink struct {
	component string
}

// NewSink returns a Sink that tags every line with component.
func NewSink(component string) Sink {
	return Sink{component: component}
}

func (s Sink) name() string {
	if s.component == "" {
		return "plugin"
	}
	return s.component
}

// Component returns the component name this sink logs under.
func (s Sink) Component() string { return s.name() }

func (s Sink) Debug(msg string, fields Fields) { DebugCF(s.name(), msg, fields) }
func (s Sink) Info(msg string, fields Fields)  { InfoCF(s.name(), msg, fields) }
func (s Sink) Warn(msg string, fields Fields)  { WarnCF(s.name(), msg, fields) }
func (s Sink) Error(msg string, fields Fields) { ErrorCF(s.name(), msg, fields) }
