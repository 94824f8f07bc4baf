package chatproto

import "testing"

func TestPlainTextConcatenatesTextSegments(t *testing.T) {
	msg := []Segment{
		NewAtSegment("1000"),
		NewTextSegment("open "),
		NewTextSegment("minecraft"),
	}
	if got := PlainText(msg); got != "open minecraft" {
		t.Fatalf("PlainText = %q, want %q", got, "open minecraft")
	}
}

func TestMentionsSelf(t *testing.T) {
	msg := []Segment{NewAtSegment("1000"), NewTextSegment("hello")}
	if !MentionsSelf(msg, "1000") {
		t.Fatal("expected MentionsSelf(1000) to be true")
	}
	if MentionsSelf(msg, "2000") {
		t.Fatal("expected MentionsSelf(2000) to be false")
	}
}

func TestCommandBodyCollectsTextAfterMention(t *testing.T) {
	msg := []Segment{
		NewTextSegment("ignored preamble"),
		NewAtSegment("1000"),
		NewTextSegment("open"),
		NewTextSegment(" minecraft"),
	}
	body, found := CommandBody(msg, "1000")
	if !found {
		t.Fatal("expected CommandBody to find the mention")
	}
	if body != "open minecraft" {
		t.Fatalf("body = %q, want %q", body, "open minecraft")
	}
}

func TestCommandBodyNotFoundWhenSelfNotMentioned(t *testing.T) {
	msg := []Segment{NewAtSegment("9999"), NewTextSegment("open")}
	_, found := CommandBody(msg, "1000")
	if found {
		t.Fatal("expected CommandBody to report not found")
	}
}
