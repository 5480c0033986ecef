package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sipeed/misskeybot/pkg/config"
)

func TestBuiltinPersonasLoad(t *testing.T) {
	r := NewRegistry()
	n, errs := r.loadFS(builtinFS, "builtin", "builtin", true)
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if n < 2 {
		t.Fatalf("loaded %d builtin personas", n)
	}
	p, ok := r.Get("friendly")
	if !ok || !p.Builtin {
		t.Fatalf("friendly persona = %+v", p)
	}
}

func TestLoadDirOverridesAndSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "friendly.yaml"), []byte("name: friendly\nsystem_prompt: custom\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)

	r := NewRegistry()
	r.loadFS(builtinFS, "builtin", "builtin", true)
	n, errs := r.Load(dir)
	if n != 1 || len(errs) != 1 {
		t.Fatalf("loaded %d, errs %v", n, errs)
	}
	p, _ := r.Get("friendly")
	if p.SystemPrompt != "custom" || p.Builtin {
		t.Errorf("local file should replace builtin: %+v", p)
	}
	if list := r.List(); list[0].Name > list[len(list)-1].Name {
		t.Error("List() not sorted")
	}
}

func TestApply(t *testing.T) {
	p, err := Parse([]byte(`
name: scholar
system_prompt: "You study {{field}}."
auto_post:
  prompt: "One fact about {{field}}."
  visibility: home
topics: ["{{field}} history", "{{field}} today"]
params:
  - name: field
    required: true
`))
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	if err := Apply(cfg, p, nil); err == nil || !strings.Contains(err.Error(), "field") {
		t.Fatalf("expected missing param error, got %v", err)
	}

	if err := Apply(cfg, p, map[string]string{"field": "astronomy"}); err != nil {
		t.Fatal(err)
	}
	if cfg.Bot.SystemPrompt != "You study astronomy." || cfg.Bot.AutoPost.Prompt != "One fact about astronomy." {
		t.Errorf("prompts = %q / %q", cfg.Bot.SystemPrompt, cfg.Bot.AutoPost.Prompt)
	}
	if cfg.Bot.AutoPost.Visibility != "home" {
		t.Errorf("visibility = %q", cfg.Bot.AutoPost.Visibility)
	}
	if got := cfg.LookupStrings("plugins.topics.list"); len(got) != 2 || got[0] != "astronomy history" {
		t.Errorf("topics = %v", got)
	}
	if got := cfg.LookupString("bot.system_prompt", ""); got != "You study astronomy." {
		t.Errorf("lookup tree not refreshed: %q", got)
	}
}

func TestApplyKeepsConfiguredTopics(t *testing.T) {
	p := &Persona{Name: "x", SystemPrompt: "hi", Topics: []string{"a"}}
	cfg := config.Default()
	cfg.Plugins["topics"] = map[string]interface{}{"list": []interface{}{"mine"}}
	if err := Apply(cfg, p, nil); err != nil {
		t.Fatal(err)
	}
	if got := cfg.LookupStrings("plugins.topics.list"); len(got) != 1 || got[0] != "mine" {
		t.Errorf("topics = %v", got)
	}
}
