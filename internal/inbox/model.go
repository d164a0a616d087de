package inbox

import "time"

// Message is one message captured by the development upstream.
type Message struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	From      string            `json:"from"`
	To        []string          `json:"to"`
	Received  time.Time         `json:"received"`
	Size      int               `json:"size"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	// Raw is the message exactly as transferred, after dot-unstuffing.
	Raw string `json:"raw"`
}
