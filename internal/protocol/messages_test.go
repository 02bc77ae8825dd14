package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageTurnRequest(t *testing.T) {
	raw := []byte(`{"type":"turn_request","user_id":"u1","text":"Hi there!","voice_enabled":true}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	req, ok := msg.(TurnRequest)
	if !ok {
		t.Fatalf("message type = %T, want TurnRequest", msg)
	}
	if req.UserID != "u1" || req.Text != "Hi there!" || !req.VoiceEnabled || req.ConvoID != "" {
		t.Fatalf("unexpected turn request: %+v", req)
	}
}

func TestParseClientMessageRejectsIncompleteTurnRequest(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"turn_request","user_id":"u1","text":"   "}`))
	if err == nil {
		t.Fatal("expected error for blank text")
	}
}

func TestParseClientMessageCancel(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"turn_cancel","turn_id":"t1"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if c, ok := msg.(TurnCancel); !ok || c.TurnID != "t1" {
		t.Fatalf("unexpected cancel: %#v", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsGarbage(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatal("expected envelope error")
	}
}

func TestTerminalEvents(t *testing.T) {
	if IsTerminal(Token{Type: TypeToken}) {
		t.Fatal("token must not be terminal")
	}
	if !IsTerminal(Complete{Type: TypeComplete}) || !IsTerminal(Error{Type: TypeError}) {
		t.Fatal("complete and error must be terminal")
	}
}

func TestErrorEventShape(t *testing.T) {
	raw, err := json.Marshal(Error{Type: TypeError, TurnID: "t1", Code: "content_blocked", Source: SourcePolicy})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"type":"error","turn_id":"t1","code":"content_blocked","source":"policy","retryable":false}`
	if string(raw) != want {
		t.Fatalf("json = %s, want %s", raw, want)
	}
}
