// Package mailer is the narrow interface to the mail collaborator:
// verification emails, staff digests, follow-up digests, and the admin
// CSV bundle all go through one Send call.
package mailer

import "context"

// Attachment is a file attached to an outgoing message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one outgoing email.
type Message struct {
	To          string
	CC          []string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

// Sender delivers messages. Implementations own transport details and
// retry policy; callers treat a returned error as "this message did not
// go out".
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender is a Sender that only logs, used when mail is disabled in
// config and in tests that want to observe traffic.
type LogSender struct {
	Sent []Message
}

// Send records the message without delivering it.
func (l *LogSender) Send(_ context.Context, msg Message) error {
	l.Sent = append(l.Sent, msg)
	return nil
}
