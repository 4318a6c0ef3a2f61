package cli

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{
		In:  strings.NewReader(input),
		Out: out,
	}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"input", "hello\n", "hello"},
		{"empty uses default", "\n", "fallback"},
		{"whitespace uses default", "   \n", "fallback"},
		{"eof uses default", "", "fallback"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPrompter(tc.input)
			if got := p.Ask("Name", "fallback"); got != tc.want {
				t.Errorf("Ask() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAskPassword_Fallback(t *testing.T) {
	// Not a real terminal, so it falls back to plain read.
	p, _ := newTestPrompter("secret123\n")
	if got := p.AskPassword("Password"); got != "secret123" {
		t.Errorf("AskPassword() = %q, want %q", got, "secret123")
	}
}

func TestAskInt_RetriesUntilPositive(t *testing.T) {
	p, out := newTestPrompter("abc\n-2\n7\n")
	if got := p.AskInt("Count", 1); got != 7 {
		t.Errorf("AskInt() = %d, want 7", got)
	}
	if strings.Count(out.String(), "Please enter a positive number") != 2 {
		t.Errorf("expected two retry hints, got output %q", out.String())
	}
}

func TestAskDuration(t *testing.T) {
	p, _ := newTestPrompter("soon\n90s\n")
	if got := p.AskDuration("Idle", time.Minute); got != 90*time.Second {
		t.Errorf("AskDuration() = %v, want 90s", got)
	}

	p, _ = newTestPrompter("\n")
	if got := p.AskDuration("Idle", 5*time.Minute); got != 5*time.Minute {
		t.Errorf("AskDuration() default = %v, want 5m", got)
	}
}

func TestAskList(t *testing.T) {
	p, _ := newTestPrompter(" https://a.example , ,https://b.example\n")
	got := p.AskList("Origins", []string{"*"})
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AskList() = %v, want %v", got, want)
	}

	p, _ = newTestPrompter("\n")
	if got := p.AskList("Origins", []string{"*"}); !reflect.DeepEqual(got, []string{"*"}) {
		t.Errorf("AskList() default = %v", got)
	}
}

func TestChoose(t *testing.T) {
	p, _ := newTestPrompter("9\n2\n")
	if got := p.Choose("Driver", []string{"sqlite", "postgres"}, 0); got != "postgres" {
		t.Errorf("Choose() = %q, want postgres", got)
	}

	p, _ = newTestPrompter("\n")
	if got := p.Choose("Driver", []string{"sqlite", "postgres"}, 0); got != "sqlite" {
		t.Errorf("Choose() default = %q, want sqlite", got)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tc := range tests {
		p, _ := newTestPrompter(tc.input)
		if got := p.Confirm("Continue?", tc.defaultYes); got != tc.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tc.input, tc.defaultYes, got, tc.want)
		}
	}
}
