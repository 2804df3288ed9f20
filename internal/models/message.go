package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleFile      Role = "file"
)

// ContentKind tags the shape carried by a Content value.
type ContentKind int

const (
	ContentUnknown ContentKind = iota
	ContentText
	ContentParts
	ContentFile
)

const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// Part is one element of a multi-part message.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// FileRef is the inline echo of an upload in the transcript.
type FileRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Content is the tagged message body. Exactly one of Text, Parts, File or
// Raw is meaningful, selected by Kind.
type Content struct {
	Kind  ContentKind
	Text  string
	Parts []Part
	File  *FileRef
	// Raw keeps an unrecognised body so it survives a rewrite unchanged.
	Raw json.RawMessage
}

func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// ImageContent builds the two-part {text, image} body used in vision requests.
func ImageContent(text, imageURL string) Content {
	return Content{Kind: ContentParts, Parts: []Part{
		{Type: PartText, Text: text},
		{Type: PartImageURL, ImageURL: &ImageURL{URL: imageURL}},
	}}
}

func FileContent(name, mediaType string) Content {
	return Content{Kind: ContentFile, File: &FileRef{Name: name, Type: mediaType}}
}

// PlainText returns the text of a text body, or the joined text parts of a
// multi-part body. Other kinds yield "".
func (c Content) PlainText() string {
	switch c.Kind {
	case ContentText:
		return c.Text
	case ContentParts:
		var texts []string
		for _, p := range c.Parts {
			if p.Type == PartText && p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	default:
		return ""
	}
}

func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ContentText:
		return json.Marshal(c.Text)
	case ContentParts:
		return json.Marshal(c.Parts)
	case ContentFile:
		if c.File == nil {
			return []byte("null"), nil
		}
		return json.Marshal(c.File)
	default:
		if len(c.Raw) == 0 {
			return []byte("null"), nil
		}
		return c.Raw, nil
	}
}

func (c *Content) UnmarshalJSON(data []byte) error {
	*c = Content{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			*c = TextContent(s)
			return nil
		}
	case '[':
		if parts, ok := decodeParts(trimmed); ok {
			*c = Content{Kind: ContentParts, Parts: parts}
			return nil
		}
	case '{':
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &keys); err == nil {
			_, hasName := keys["name"]
			_, hasType := keys["type"]
			var ref FileRef
			if (hasName || hasType) && len(keys) <= 2 && json.Unmarshal(trimmed, &ref) == nil {
				*c = Content{Kind: ContentFile, File: &ref}
				return nil
			}
		}
	}
	c.Kind = ContentUnknown
	c.Raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

func decodeParts(data []byte) ([]Part, bool) {
	var parts []Part
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
		return nil, false
	}
	for _, p := range parts {
		switch p.Type {
		case PartText:
			if p.ImageURL != nil {
				return nil, false
			}
		case PartImageURL:
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return parts, true
}

// Message is one entry of a chat's log.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`

	// opaque holds an element that was not a JSON object at all.
	opaque json.RawMessage
	// extra keeps client keys other than role and content, verbatim.
	extra map[string]json.RawMessage
	// noRole and noContent record keys absent from the stored object.
	noRole, noContent bool
}

func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: TextContent(text)}
}

// IsConversational reports whether the message may be sent to a model:
// a user, assistant or system role carrying text or multi-part content.
func (m Message) IsConversational() bool {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return false
	}
	return m.Content.Kind == ContentText || m.Content.Kind == ContentParts
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.opaque) > 0 {
		return m.opaque, nil
	}
	if len(m.extra) == 0 && !m.noRole && !m.noContent {
		type wire struct {
			Role    Role    `json:"role"`
			Content Content `json:"content"`
		}
		return json.Marshal(wire{Role: m.Role, Content: m.Content})
	}
	obj := make(map[string]any, len(m.extra)+2)
	for k, v := range m.extra {
		obj[k] = v
	}
	if !m.noRole || m.Role != "" {
		obj["role"] = m.Role
	}
	if !m.noContent || m.Content.Kind != ContentUnknown || len(m.Content.Raw) > 0 {
		obj["content"] = m.Content
	}
	return json.Marshal(obj)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	*m = Message{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		m.opaque = append(json.RawMessage(nil), trimmed...)
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		m.opaque = append(json.RawMessage(nil), trimmed...)
		return nil
	}
	role, hasRole := fields["role"]
	if hasRole {
		if err := json.Unmarshal(role, &m.Role); err != nil {
			*m = Message{opaque: append(json.RawMessage(nil), trimmed...)}
			return nil
		}
	}
	content, hasContent := fields["content"]
	m.noRole, m.noContent = !hasRole, !hasContent
	delete(fields, "role")
	delete(fields, "content")
	if len(fields) > 0 {
		m.extra = fields
	}
	if !hasContent {
		return nil
	}
	return m.Content.UnmarshalJSON(content)
}

// DecodeMessages parses a stored message log. Missing, malformed or
// non-array values yield an empty log, never an error.
func DecodeMessages(raw []byte) []Message {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return []Message{}
	}
	var msgs []Message
	if err := json.Unmarshal(trimmed, &msgs); err != nil || msgs == nil {
		return []Message{}
	}
	return msgs
}

// EncodeMessages serialises a log for storage. A nil log encodes as [].
func EncodeMessages(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(msgs)
}
