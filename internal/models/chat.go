package models

import "time"

// DefaultChatTitle is used when a chat is created without a title.
const DefaultChatTitle = "Untitled"

// Chat is a titled conversation with its ordered message log.
type Chat struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	FolderID  *int64    `json:"folder_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// Folder groups chats by reference.
type Folder struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// FolderFilter narrows ListChats. The zero value lists every chat.
type FolderFilter struct {
	FolderID      *int64
	Uncategorized bool
}
