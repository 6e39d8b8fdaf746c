package models

import "strings"

// PendingSessionPrefix marks document sessions whose upload has not completed.
const PendingSessionPrefix = "pending_"

// DocumentSession is the server-side handle of an uploaded document that grounds chat answers.
type DocumentSession struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	FileType  string `json:"file_type"`
	Preview   string `json:"preview,omitempty"`
	CharCount int    `json:"char_count,omitempty"`
	Ready     bool   `json:"ready"`
	OneOff    bool   `json:"one_off"`
}

// IsPlaceholder reports whether the session id is not backend-issued yet.
func (d DocumentSession) IsPlaceholder() bool {
	return d.SessionID == "" || strings.HasPrefix(d.SessionID, PendingSessionPrefix)
}

// IsImage reports whether the document is an image upload.
func (d DocumentSession) IsImage() bool {
	return strings.HasPrefix(d.FileType, "image/")
}
