package v1

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "ok", env: Envelope{V: Version, Type: TypeSendMessage}},
		{name: "missing version", env: Envelope{Type: TypeSendMessage}, wantErr: "missing field: v"},
		{name: "wrong version", env: Envelope{V: "v0", Type: TypeSendMessage}, wantErr: "unsupported protocol version"},
		{name: "missing type", env: Envelope{V: Version}, wantErr: "missing field: type"},
		{name: "server type from client", env: Envelope{V: Version, Type: TypeChatMessage}, wantErr: "unknown type"},
		{name: "unknown type", env: Envelope{V: Version, Type: "nope"}, wantErr: "unknown type"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate()=%v want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestSendMessagePayload_IgnoresSenderFields(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"conversationId":"c1","content":"hi","senderId":"spoofed","senderType":"seller"}`)
	var p SendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.ConversationID != "c1" || p.Content != "hi" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}
