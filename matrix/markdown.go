// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/matriisi/matriisi/lib/ref"
)

// markdownRenderer converts Markdown to the HTML subset Matrix clients
// render. GFM covers tables and strikethrough, which chat messages use
// constantly; hard wraps keep single newlines visible as line breaks.
var markdownRenderer = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// NewTextMessage creates a plain text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{
		MsgType: "m.text",
		Body:    body,
	}
}

// NewNotice creates a notice message. Bots send notices rather than
// text so that other bots ignore them and response loops cannot form.
func NewNotice(body string) MessageContent {
	return MessageContent{
		MsgType: "m.notice",
		Body:    body,
	}
}

// NewMarkdownMessage creates a formatted message from Markdown source.
// The plain-text body carries the original Markdown, the formatted
// body the rendered HTML, per the Matrix custom HTML format.
func NewMarkdownMessage(markdown string) (MessageContent, error) {
	var rendered bytes.Buffer
	if err := markdownRenderer.Convert([]byte(markdown), &rendered); err != nil {
		return MessageContent{}, fmt.Errorf("matrix: rendering markdown: %w", err)
	}

	return MessageContent{
		MsgType:       "m.text",
		Body:          markdown,
		Format:        "org.matrix.custom.html",
		FormattedBody: strings.TrimSpace(rendered.String()),
	}, nil
}

// NewThreadReply creates a message that replies within an existing
// thread. threadRootID is the event ID of the thread's root message.
func NewThreadReply(threadRootID ref.EventID, body string) MessageContent {
	return MessageContent{
		MsgType: "m.text",
		Body:    body,
		RelatesTo: &RelatesTo{
			RelType: "m.thread",
			EventID: threadRootID,
			InReplyTo: &InReplyTo{
				EventID: threadRootID,
			},
		},
	}
}
