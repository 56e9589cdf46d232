package mailer

import "context"

// Service delivers transactional email
type Service interface {
	Send(ctx context.Context, e Email) error
}

type Email struct {
	FromName string
	From     string

	To []string

	Subject  string
	TextBody string

	Headers map[string]string
}
