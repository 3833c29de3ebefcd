// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"strings"
	"testing"

	"github.com/matriisi/matriisi/lib/ref"
)

func TestNewMarkdownMessage(t *testing.T) {
	content, err := NewMarkdownMessage("Hello **world**, see [docs](https://example.org).")
	if err != nil {
		t.Fatalf("NewMarkdownMessage failed: %v", err)
	}

	if content.MsgType != "m.text" {
		t.Errorf("msgtype = %q", content.MsgType)
	}
	if content.Format != "org.matrix.custom.html" {
		t.Errorf("format = %q", content.Format)
	}
	if !strings.Contains(content.Body, "**world**") {
		t.Errorf("plain body should carry the markdown source, got %q", content.Body)
	}
	if !strings.Contains(content.FormattedBody, "<strong>world</strong>") {
		t.Errorf("formatted body = %q", content.FormattedBody)
	}
	if !strings.Contains(content.FormattedBody, `<a href="https://example.org"`) {
		t.Errorf("formatted body missing link: %q", content.FormattedBody)
	}
}

func TestNewMarkdownMessageStrikethrough(t *testing.T) {
	// Strikethrough comes from the GFM extension, not core Markdown.
	content, err := NewMarkdownMessage("~~scratch that~~")
	if err != nil {
		t.Fatalf("NewMarkdownMessage failed: %v", err)
	}
	if !strings.Contains(content.FormattedBody, "<del>scratch that</del>") {
		t.Errorf("formatted body = %q", content.FormattedBody)
	}
}

func TestNewNotice(t *testing.T) {
	content := NewNotice("build finished")
	if content.MsgType != "m.notice" {
		t.Errorf("msgtype = %q", content.MsgType)
	}
	if content.Body != "build finished" {
		t.Errorf("body = %q", content.Body)
	}
}

func TestNewThreadReply(t *testing.T) {
	root := ref.MustParseEventID("$root")
	content := NewThreadReply(root, "continuing the thought")

	if content.RelatesTo == nil {
		t.Fatal("thread reply missing m.relates_to")
	}
	if content.RelatesTo.RelType != "m.thread" {
		t.Errorf("rel_type = %q", content.RelatesTo.RelType)
	}
	if content.RelatesTo.EventID != root {
		t.Errorf("thread root = %q", content.RelatesTo.EventID)
	}
	if content.RelatesTo.InReplyTo == nil || content.RelatesTo.InReplyTo.EventID != root {
		t.Errorf("in_reply_to = %+v", content.RelatesTo.InReplyTo)
	}
}
