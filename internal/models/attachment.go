package models

import (
	"strings"
	"time"
)

const MediaTypePDF = "application/pdf"

// Attachment is an uploaded file bound to a chat.
type Attachment struct {
	ID         int64     `json:"id"`
	ChatID     int64     `json:"chat_id"`
	Filename   string    `json:"filename"`
	Path       string    `json:"-"`
	MediaType  string    `json:"mimetype"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func (a *Attachment) IsPDF() bool {
	return strings.EqualFold(a.baseType(), MediaTypePDF)
}

func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.baseType()), "image/")
}

// baseType strips parameters such as "; charset=utf-8".
func (a *Attachment) baseType() string {
	mt := a.MediaType
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(mt)
}
