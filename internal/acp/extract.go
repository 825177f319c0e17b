package acp

import (
	"encoding/json"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
)

// ExtractedMessage is one chat message mined from a session/update
// notification, shaped for the message outbox.
type ExtractedMessage struct {
	MessageID    string `json:"messageId"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	ToolMetadata string `json:"toolMetadata,omitempty"` // JSON string
}

// ToolMeta is the structured tool-call metadata serialized into
// ExtractedMessage.ToolMetadata.
type ToolMeta struct {
	Kind      string `json:"kind,omitempty"`
	Status    string `json:"status,omitempty"`
	Locations []struct {
		Path string `json:"path,omitempty"`
		Line *int   `json:"line,omitempty"`
	} `json:"locations,omitempty"`
}

// ExtractMessages converts a SessionNotification into zero or more messages.
// Only user/assistant text chunks and tool calls produce output; thought
// chunks and plan updates are ignored so the chat history stays readable.
func ExtractMessages(notif acpsdk.SessionNotification) []ExtractedMessage {
	u := notif.Update
	var msgs []ExtractedMessage

	if u.UserMessageChunk != nil {
		if text := contentBlockText(u.UserMessageChunk.Content); text != "" {
			msgs = append(msgs, ExtractedMessage{
				MessageID: uuid.NewString(),
				Role:      "user",
				Content:   text,
			})
		}
	}

	if u.AgentMessageChunk != nil {
		if text := contentBlockText(u.AgentMessageChunk.Content); text != "" {
			msgs = append(msgs, ExtractedMessage{
				MessageID: uuid.NewString(),
				Role:      "assistant",
				Content:   text,
			})
		}
	}

	if u.ToolCall != nil {
		content := toolCallContentText(u.ToolCall.Content)
		meta := ToolMeta{Kind: string(u.ToolCall.Kind)}
		for _, loc := range u.ToolCall.Locations {
			meta.Locations = append(meta.Locations, struct {
				Path string `json:"path,omitempty"`
				Line *int   `json:"line,omitempty"`
			}{Path: loc.Path, Line: loc.Line})
		}
		metaJSON, _ := json.Marshal(meta)
		if content == "" {
			content = "(tool call)"
		}
		msgs = append(msgs, ExtractedMessage{
			MessageID:    uuid.NewString(),
			Role:         "tool",
			Content:      content,
			ToolMetadata: string(metaJSON),
		})
	}

	if u.ToolCallUpdate != nil {
		content := toolCallContentText(u.ToolCallUpdate.Content)
		meta := ToolMeta{}
		if u.ToolCallUpdate.Kind != nil {
			meta.Kind = string(*u.ToolCallUpdate.Kind)
		}
		if u.ToolCallUpdate.Status != nil {
			meta.Status = string(*u.ToolCallUpdate.Status)
		}
		for _, loc := range u.ToolCallUpdate.Locations {
			meta.Locations = append(meta.Locations, struct {
				Path string `json:"path,omitempty"`
				Line *int   `json:"line,omitempty"`
			}{Path: loc.Path, Line: loc.Line})
		}

		// A bare update with neither content nor a status change carries
		// nothing worth persisting.
		if content != "" || meta.Status != "" {
			metaJSON, _ := json.Marshal(meta)
			if content == "" {
				content = "(tool update)"
			}
			msgs = append(msgs, ExtractedMessage{
				MessageID:    uuid.NewString(),
				Role:         "tool",
				Content:      content,
				ToolMetadata: string(metaJSON),
			})
		}
	}

	return msgs
}

func contentBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

func toolCallContentText(contents []acpsdk.ToolCallContent) string {
	var text string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			if text != "" {
				text += "\n"
			}
			text += c.Content.Content.Text.Text
		}
		if c.Diff != nil {
			if text != "" {
				text += "\n"
			}
			text += "diff: " + c.Diff.Path
		}
	}
	return text
}
