package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndLastN(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i, text := range []string{"a", "b", "c", "d"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.Append("cli:demo", Message{Role: role, Text: text}); err != nil {
			t.Fatal(err)
		}
	}

	last := s.LastN("cli:demo", 2)
	if len(last) != 2 || last[0].Text != "c" || last[1].Text != "d" {
		t.Errorf("LastN returned %+v", last)
	}

	all := s.All("cli:demo")
	if len(all) != 4 {
		t.Errorf("expected 4 messages, got %d", len(all))
	}
}

func TestLogIsAppendOnly(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, FileSafe("telegram:42")+".jsonl")

	var prevSize int64
	for i := 0; i < 5; i++ {
		if err := s.Append("telegram:42", Message{Role: "user", Text: "msg"}); err != nil {
			t.Fatal(err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Size() <= prevSize {
			t.Fatalf("log did not grow: %d -> %d", prevSize, info.Size())
		}
		prevSize = info.Size()
	}
	s.Close()
}

func TestReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Append("ws:abc", Message{Role: "user", Text: "hello"})
	s.Append("ws:abc", Message{Role: "assistant", Text: "hi"})
	s.Close()

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	msgs := reopened.All("ws:abc")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after reload, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" || msgs[1].Text != "hi" {
		t.Errorf("order lost after reload: %+v", msgs)
	}
}

func TestIdleSince(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Append("cli:old", Message{Role: "user", Text: "x"})
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	s.Append("cli:fresh", Message{Role: "user", Text: "y"})

	idle := s.IdleSince(cutoff)
	if len(idle) != 1 || idle[0] != "cli:old" {
		t.Errorf("IdleSince = %v, want [cli:old]", idle)
	}
}

func TestSessionIDHelpers(t *testing.T) {
	tests := []struct {
		id            string
		channel, chat string
		thread        string
		internal      bool
	}{
		{"telegram:42", "telegram", "42", "", false},
		{"telegram:-100123:99", "telegram", "-100123", "99", false},
		{"cli:demo", "cli", "demo", "", true},
		{"ws:abc", "ws", "abc", "", true},
		{"subagent:xyz", "subagent", "xyz", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := Channel(tt.id); got != tt.channel {
				t.Errorf("Channel = %q, want %q", got, tt.channel)
			}
			if got := Chat(tt.id); got != tt.chat {
				t.Errorf("Chat = %q, want %q", got, tt.chat)
			}
			if got := Thread(tt.id); got != tt.thread {
				t.Errorf("Thread = %q, want %q", got, tt.thread)
			}
			if got := IsInternal(tt.id); got != tt.internal {
				t.Errorf("IsInternal = %v, want %v", got, tt.internal)
			}
		})
	}

	if BuildID("telegram", "42", "") != "telegram:42" {
		t.Error("BuildID without thread")
	}
	if BuildID("telegram", "42", "7") != "telegram:42:7" {
		t.Error("BuildID with thread")
	}
}
