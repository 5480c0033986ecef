// Package persona loads YAML-defined bot personalities. A persona bundles
// the system prompt, the autopost prompt and a topic list so a bot's voice
// can be switched without editing the main config.
//
// Persona directories searched (in order, later wins):
//  1. Embedded personas compiled into the binary
//  2. ~/.misskeybot/personas/
//  3. ./personas/ (relative to working directory)
package persona

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sipeed/misskeybot/pkg/config"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Persona is the YAML schema for a reusable personality.
type Persona struct {
	Name        string `yaml:"name" json:"name"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Description string `yaml:"description" json:"description"`

	SystemPrompt string   `yaml:"system_prompt" json:"system_prompt"`
	AutoPost     AutoPost `yaml:"auto_post" json:"auto_post"`
	Topics       []string `yaml:"topics" json:"topics,omitempty"`

	// Params are {{name}} placeholders filled from bot.persona_params.
	Params []Param `yaml:"params" json:"params,omitempty"`

	SourceFile string `yaml:"-" json:"source_file,omitempty"`
	Builtin    bool   `yaml:"-" json:"builtin"`
}

type AutoPost struct {
	Prompt     string `yaml:"prompt" json:"prompt,omitempty"`
	Visibility string `yaml:"visibility" json:"visibility,omitempty"`
}

// Param describes a placeholder a persona expects.
type Param struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Required    bool   `yaml:"required" json:"required"`
	Default     string `yaml:"default,omitempty" json:"default,omitempty"`
}

// Registry is a thread-safe store of loaded personas.
type Registry struct {
	mu       sync.RWMutex
	personas map[string]*Persona
}

func NewRegistry() *Registry {
	return &Registry{personas: make(map[string]*Persona)}
}

// Load reads all *.yaml files from dir. Errors in individual files don't
// abort loading.
func (r *Registry) Load(dir string) (int, []error) {
	return r.loadFS(os.DirFS(dir), ".", dir, false)
}

func (r *Registry) loadFS(fsys fs.FS, dir, label string, builtin bool) (int, []error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return 0, []error{fmt.Errorf("cannot read persona dir %s: %w", label, err)}
	}

	loaded := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(dir, e.Name())))
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", e.Name(), err))
			continue
		}
		p, err := Parse(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", e.Name(), err))
			continue
		}
		p.SourceFile = filepath.Join(label, e.Name())
		p.Builtin = builtin
		r.Register(p)
		loaded++
	}
	return loaded, errs
}

// Parse decodes one persona document.
func Parse(data []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("persona has no 'name' field")
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return nil, fmt.Errorf("persona '%s' has no 'system_prompt' field", p.Name)
	}
	return &p, nil
}

// Register adds or replaces a persona.
func (r *Registry) Register(p *Persona) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.personas[p.Name] = p
}

func (r *Registry) Get(name string) (*Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[name]
	return p, ok
}

// List returns all personas sorted by name.
func (r *Registry) List() []*Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Persona, 0, len(r.personas))
	for _, p := range r.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadDefaults builds a registry from the embedded personas and the
// standard directories. Missing directories are skipped silently.
func LoadDefaults() (*Registry, []string) {
	r := NewRegistry()
	var warnings []string

	if _, errs := r.loadFS(builtinFS, "builtin", "builtin", true); len(errs) > 0 {
		for _, e := range errs {
			warnings = append(warnings, e.Error())
		}
	}

	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".misskeybot", "personas"))
	}
	dirs = append(dirs, "personas")
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		_, errs := r.Load(dir)
		for _, e := range errs {
			warnings = append(warnings, e.Error())
		}
	}
	return r, warnings
}

// Missing returns the required params absent from provided.
func (p *Persona) Missing(provided map[string]string) []string {
	var missing []string
	for _, param := range p.Params {
		if !param.Required {
			continue
		}
		if v, ok := provided[param.Name]; !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, param.Name)
		}
	}
	return missing
}

// ResolvedParams returns provided merged over the declared defaults.
func (p *Persona) ResolvedParams(provided map[string]string) map[string]string {
	out := make(map[string]string, len(p.Params))
	for _, param := range p.Params {
		if param.Default != "" {
			out[param.Name] = param.Default
		}
	}
	for k, v := range provided {
		out[k] = v
	}
	return out
}

func render(s string, params map[string]string) string {
	for k, v := range params {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}

// Apply writes the persona into cfg: system prompt, autopost prompt and
// visibility when set, and the topics plugin list when the config does not
// already define one.
func Apply(cfg *config.Config, p *Persona, provided map[string]string) error {
	if missing := p.Missing(provided); len(missing) > 0 {
		return fmt.Errorf("persona %s: missing required params: %s", p.Name, strings.Join(missing, ", "))
	}
	params := p.ResolvedParams(provided)

	cfg.Bot.SystemPrompt = render(p.SystemPrompt, params)
	if p.AutoPost.Prompt != "" {
		cfg.Bot.AutoPost.Prompt = render(p.AutoPost.Prompt, params)
	}
	if p.AutoPost.Visibility != "" {
		cfg.Bot.AutoPost.Visibility = p.AutoPost.Visibility
	}
	if len(p.Topics) > 0 {
		if cfg.Plugins == nil {
			cfg.Plugins = map[string]map[string]interface{}{}
		}
		section := cfg.Plugins["topics"]
		if section == nil {
			section = map[string]interface{}{}
			cfg.Plugins["topics"] = section
		}
		if _, set := section["list"]; !set {
			list := make([]interface{}, len(p.Topics))
			for i, t := range p.Topics {
				list[i] = render(t, params)
			}
			section["list"] = list
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("persona %s: %w", p.Name, err)
	}
	return cfg.Refresh()
}
