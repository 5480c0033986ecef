package aireply

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/plugin"
)

type fakeProxy struct {
	system, prompt string
	history        []events.Turn
	chats          int
	reply          string
	err            error
}

func (f *fakeProxy) Generate(ctx context.Context, system, prompt string) (string, error) {
	f.system, f.prompt = system, prompt
	return f.reply, f.err
}

func (f *fakeProxy) Chat(ctx context.Context, system string, history []events.Turn, prompt string) (string, error) {
	f.chats++
	f.history = history
	return f.Generate(ctx, system, prompt)
}

func (f *fakeProxy) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return nil, plugin.ErrUnavailable
}

func TestPrompt(t *testing.T) {
	tests := []struct {
		name string
		ev   events.Event
		want string
	}{
		{"strips leading mentions", events.Event{Text: events.String("@bot @friend how are you?")}, "how are you?"},
		{"keeps inner mentions", events.Event{Text: events.String("ask @alice")}, "ask @alice"},
		{"media only", events.Event{FileIDs: []string{"f1", "f2"}}, "The user sent 2 attachment(s) without any text. Respond briefly."},
		{"mention only", events.Event{Text: events.String("@bot")}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Prompt(tt.ev); got != tt.want {
				t.Errorf("Prompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReplyUsesProxy(t *testing.T) {
	proxy := &fakeProxy{reply: "  I'm fine, thanks!  "}
	pc := plugin.NewContext(Name, plugin.Services{Proxy: proxy}, nil)
	ev := events.Event{Kind: events.KindMention, Text: events.String("@bot how are you?")}

	res, err := (&Plugin{}).OnMention(context.Background(), pc, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Publishable() || res.Response.Text != "I'm fine, thanks!" {
		t.Errorf("result = %+v", res)
	}
	if proxy.prompt != "how are you?" {
		t.Errorf("prompt = %q", proxy.prompt)
	}
}

func TestReplyFailureIsUnclaimed(t *testing.T) {
	proxy := &fakeProxy{err: errors.New("rate limited")}
	pc := plugin.NewContext(Name, plugin.Services{Proxy: proxy}, nil)
	ev := events.Event{Kind: events.KindChat, Text: events.String("hello")}

	res, err := (&Plugin{}).OnMessage(context.Background(), pc, ev)
	if err == nil || res.Claimed() {
		t.Errorf("res = %+v, err = %v", res, err)
	}
}

func TestWithoutProxyNothingIsClaimed(t *testing.T) {
	pc := plugin.NewContext(Name, plugin.Services{}, nil)
	res, err := (&Plugin{}).OnMessage(context.Background(), pc, events.Event{Kind: events.KindChat, Text: events.String("hi")})
	if !errors.Is(err, plugin.ErrUnavailable) || res.Claimed() {
		t.Errorf("res = %+v, err = %v", res, err)
	}
}

func TestChatReplyCarriesHistory(t *testing.T) {
	proxy := &fakeProxy{reply: "Still Tuesday."}
	pc := plugin.NewContext(Name, plugin.Services{Proxy: proxy}, nil)
	ev := events.Event{
		Kind: events.KindChat,
		Text: events.String("and tomorrow?"),
		History: []events.Turn{
			{Role: events.RoleUser, Text: "what day is it?"},
			{Role: events.RoleAssistant, Text: "Monday."},
		},
	}

	res, err := (&Plugin{}).OnMessage(context.Background(), pc, ev)
	if err != nil || !res.Publishable() {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if proxy.chats != 1 || len(proxy.history) != 2 || proxy.history[1].Text != "Monday." {
		t.Errorf("chat calls = %d, history = %+v", proxy.chats, proxy.history)
	}
	if proxy.prompt != "and tomorrow?" {
		t.Errorf("prompt = %q", proxy.prompt)
	}
}

func TestMentionNeverUsesChat(t *testing.T) {
	proxy := &fakeProxy{reply: "hi"}
	pc := plugin.NewContext(Name, plugin.Services{Proxy: proxy}, nil)
	if _, err := (&Plugin{}).OnMention(context.Background(), pc, events.Event{Kind: events.KindMention, Text: events.String("hello")}); err != nil {
		t.Fatal(err)
	}
	if proxy.chats != 0 {
		t.Error("mentions are answered without history")
	}
}
