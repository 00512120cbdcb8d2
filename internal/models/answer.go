package models

// Source is a citation attached to an answer.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Execution is what the answer generator produced for a query.
type Execution struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
	Error   string   `json:"error,omitempty"`
}

// Evaluation is the relevance verdict for an answer.
type Evaluation struct {
	OK     bool     `json:"ok"`
	Score  *float64 `json:"score,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// Delivery reports whether the answer reached the recipient.
type Delivery struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

// DeliveryMessage is the input of a delivery attempt.
type DeliveryMessage struct {
	Recipient      string   `json:"recipient"`
	NotificationID string   `json:"notificationId"`
	OriginalQuery  string   `json:"originalQuery"`
	Answer         string   `json:"answer"`
	Sources        []Source `json:"sources"`
}
