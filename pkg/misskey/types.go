package misskey

import "time"

type User struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Host     *string `json:"host"`
	Name     *string `json:"name"`
	IsBot    bool    `json:"isBot"`
}

// HostName returns the remote host, or "" for local users.
func (u User) HostName() string {
	if u.Host == nil {
		return ""
	}
	return *u.Host
}

type DriveFile struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	URL          string  `json:"url"`
	ThumbnailURL *string `json:"thumbnailUrl"`
	Size         int64   `json:"size"`
	Comment      *string `json:"comment"`
}

type Note struct {
	ID         string      `json:"id"`
	CreatedAt  time.Time   `json:"createdAt"`
	Text       *string     `json:"text"`
	CW         *string     `json:"cw"`
	UserID     string      `json:"userId"`
	User       User        `json:"user"`
	ReplyID    *string     `json:"replyId"`
	Visibility string      `json:"visibility"`
	FileIDs    []string    `json:"fileIds"`
	Files      []DriveFile `json:"files"`
}

type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ChatMessage struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"createdAt"`
	Text       *string    `json:"text"`
	FromUserID string     `json:"fromUserId"`
	FromUser   *User      `json:"fromUser"`
	ToUserID   *string    `json:"toUserId"`
	ToRoomID   *string    `json:"toRoomId"`
	ToRoom     *Room      `json:"toRoom"`
	FileID     *string    `json:"fileId"`
	File       *DriveFile `json:"file"`
}

// RoomID returns the room the message was sent to, or "" for direct
// messages.
func (m ChatMessage) RoomID() string {
	if m.ToRoomID != nil && *m.ToRoomID != "" {
		return *m.ToRoomID
	}
	if m.ToRoom != nil {
		return m.ToRoom.ID
	}
	return ""
}

// NoteRequest is the body of notes/create.
type NoteRequest struct {
	Text       string   `json:"text,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
	ReplyID    string   `json:"replyId,omitempty"`
	FileIDs    []string `json:"fileIds,omitempty"`
}

// ChatRequest sends to a user, or to a room when RoomID is set.
type ChatRequest struct {
	UserID string
	RoomID string
	Text   string
	FileID string
}
