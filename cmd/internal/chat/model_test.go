package chat

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "user", want: KindUser},
		{in: " Seller ", want: KindSeller},
		{in: "admin", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseKind(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseKind(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseKind(%q)=%q,%v want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestParticipantRef_Pairing(t *testing.T) {
	t.Parallel()

	if !User("u1").CanConverseWith(Seller("s1")) {
		t.Fatalf("user must be able to talk to seller")
	}
	if !Seller("s1").CanConverseWith(User("u1")) {
		t.Fatalf("seller must be able to talk to user")
	}
	if User("u1").CanConverseWith(User("u2")) {
		t.Fatalf("user<->user must be rejected")
	}
	if Seller("s1").CanConverseWith(Seller("s2")) {
		t.Fatalf("seller<->seller must be rejected")
	}
	if (ParticipantRef{ID: "x"}).CanConverseWith(Seller("s1")) {
		t.Fatalf("untagged ref must be rejected")
	}
}

func TestParticipantRef_Validate(t *testing.T) {
	t.Parallel()

	if err := User("u1").Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := User(" ").Validate(); KindOf(err) != KindValidation {
		t.Fatalf("blank id: want validation, got %v", err)
	}
	if err := (ParticipantRef{Kind: "x", ID: "1"}).Validate(); KindOf(err) != KindValidation {
		t.Fatalf("bad kind: want validation, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("outer: %w", NotFound("conversation not found"))
	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("KindOf(wrapped)=%q", KindOf(wrapped))
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("plain error must be internal")
	}
	if PublicMessage(errors.New("secret dsn")) != "internal error" {
		t.Fatalf("internal error text leaked")
	}
	if PublicMessage(wrapped) != "conversation not found" {
		t.Fatalf("PublicMessage(wrapped)=%q", PublicMessage(wrapped))
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 100)

	cases := []struct {
		name        string
		content     string
		attachments int
		want        string
	}{
		{name: "short", content: "Hello", want: "Hello"},
		{name: "truncated by runes", content: long, want: strings.Repeat("é", 80)},
		{name: "attachment only", content: "", attachments: 1, want: AttachmentPreview},
		{name: "whitespace with attachment", content: "   ", attachments: 2, want: AttachmentPreview},
		{name: "empty", content: "", want: ""},
	}
	for _, tc := range cases {
		if got := Preview(tc.content, tc.attachments); got != tc.want {
			t.Fatalf("%s: Preview()=%q want %q", tc.name, got, tc.want)
		}
	}
}
