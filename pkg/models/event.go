package models

import "strings"

// Event is a normalized inbound message from whatever host runtime delivers user input.
type Event struct {
	UserID      string
	Text        string
	Attachments []Attachment
}

// Attachment is an image carried by an event. Either URL, Path or Data is set.
type Attachment struct {
	URL      string
	Path     string
	Data     []byte
	MIMEType string
}

func (a Attachment) IsZero() bool {
	return a.URL == "" && a.Path == "" && len(a.Data) == 0
}

func (e Event) TrimmedText() string {
	return strings.TrimSpace(e.Text)
}

func (e Event) HasImages() bool {
	for _, a := range e.Attachments {
		if !a.IsZero() {
			return true
		}
	}
	return false
}
