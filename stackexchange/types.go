package stackexchange

import (
	"encoding/json"
	"strconv"
)

// Item is one element of an upstream "items" array together with its natural ID.
type Item struct {
	ID  string
	Raw json.RawMessage
}

// Matches the common wrapper of every API response
type wrapper struct {
	Items          []json.RawMessage `json:"items"`
	HasMore        bool              `json:"has_more"`
	QuotaMax       int               `json:"quota_max"`
	QuotaRemaining int               `json:"quota_remaining"`
	Backoff        int               `json:"backoff,omitempty"`
	ErrorID        int               `json:"error_id,omitempty"`
	ErrorName      string            `json:"error_name,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
}

// itemIDs holds the identifying fields of posts and questions.
type itemIDs struct {
	PostID     *int64 `json:"post_id"`
	QuestionID *int64 `json:"question_id"`
}

// itemID returns the value of field ("post_id" or "question_id") in raw.
func itemID(raw json.RawMessage, field string) (string, bool) {
	var ids itemIDs
	if err := json.Unmarshal(raw, &ids); err != nil {
		return "", false
	}
	var v *int64
	switch field {
	case PostIDField:
		v = ids.PostID
	case QuestionIDField:
		v = ids.QuestionID
	}
	if v == nil {
		return "", false
	}
	return strconv.FormatInt(*v, 10), true
}
