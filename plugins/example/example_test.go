package example

import (
	"context"
	"testing"
	"time"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/plugin"
)

func TestOnMentionGreets(t *testing.T) {
	p := &Plugin{greetingEnabled: true}
	pc := plugin.NewContext(Name, plugin.Services{}, nil)

	tests := []struct {
		text  string
		claim bool
	}{
		{"@bot hello there", true},
		{"Hi!", true},
		{"你好呀", true},
		{"this is high praise", false},
		{"what's the weather", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			ev := events.Event{Kind: events.KindMention, Text: events.String(tt.text)}
			res, err := p.OnMention(context.Background(), pc, ev)
			if err != nil {
				t.Fatal(err)
			}
			if res.Claimed() != tt.claim {
				t.Errorf("claimed = %v, want %v", res.Claimed(), tt.claim)
			}
		})
	}
}

func TestDisabledGreetingNeverClaims(t *testing.T) {
	p := &Plugin{}
	pc := plugin.NewContext(Name, plugin.Services{}, nil)
	ev := events.Event{Kind: events.KindMention, Text: events.String("hello")}
	if res, _ := p.OnMention(context.Background(), pc, ev); res.Claimed() {
		t.Error("disabled greeting claimed")
	}
}

func TestAutopostOffByDefault(t *testing.T) {
	v, _ := New()
	p := v.(*Plugin)
	pc := plugin.NewContext(Name, plugin.Services{}, nil)
	if err := p.OnStartup(context.Background(), pc); err != nil {
		t.Fatal(err)
	}
	res, _ := p.OnAutopost(context.Background(), pc, events.NewAutopost("p", time.Now()))
	if res.Claimed() {
		t.Error("autopost claimed without auto_post_enabled")
	}
	if !p.greetingEnabled {
		t.Error("greeting should default to enabled")
	}
}
