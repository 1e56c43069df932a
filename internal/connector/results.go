package connector

import (
	"strings"

	"github.com/gotrs-io/mailbridge/internal/emailerr"
	"github.com/gotrs-io/mailbridge/internal/mailbox"
)

// Result is the uniform outcome document every operation renders.
type Result struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// OKResult reports a successful operation.
func OKResult() Result {
	return Result{Success: true}
}

// ErrorResult maps err onto the coded result document.
func ErrorResult(err error) Result {
	kind := emailerr.KindOf(err)
	return Result{
		Success: false,
		Code:    kind.Code(),
		Message: kind.Detail(),
		Detail:  err.Error(),
	}
}

// AttachmentEntry describes one attachment of a listed email.
type AttachmentEntry struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

// EmailEntry is the listing view of one retrieved email. Bodies and
// attachment contents are deliberately absent; they are fetched by
// index afterwards.
type EmailEntry struct {
	Index       int               `json:"index"`
	EmailID     string            `json:"emailID"`
	To          string            `json:"to"`
	From        string            `json:"from"`
	CC          string            `json:"cc"`
	BCC         string            `json:"bcc"`
	ReplyTo     string            `json:"replyTo"`
	Subject     string            `json:"subject"`
	Attachments []AttachmentEntry `json:"attachments"`
}

// ListResult is the document rendered for a retrieval.
type ListResult struct {
	Result
	Emails []EmailEntry `json:"emails"`
}

// RenderList projects retrieved emails into their listing entries.
func RenderList(emails []mailbox.Email) ListResult {
	entries := make([]EmailEntry, 0, len(emails))
	for i, email := range emails {
		s := email.Summary
		attachments := make([]AttachmentEntry, 0, len(s.Attachments))
		for j, att := range s.Attachments {
			attachments = append(attachments, AttachmentEntry{
				Index:       j,
				Name:        att.Name,
				ContentType: att.ContentType,
			})
		}
		entries = append(entries, EmailEntry{
			Index:       i,
			EmailID:     s.ID,
			To:          strings.Join(s.To, ","),
			From:        strings.Join(s.From, ","),
			CC:          strings.Join(s.CC, ","),
			BCC:         strings.Join(s.BCC, ","),
			ReplyTo:     strings.Join(s.ReplyTo, ","),
			Subject:     s.Subject,
			Attachments: attachments,
		})
	}
	return ListResult{Result: OKResult(), Emails: entries}
}

// BodyResult carries the bodies of one email selected by index.
type BodyResult struct {
	Result
	EmailID  string `json:"emailID"`
	TextBody string `json:"textBody"`
	HTMLBody string `json:"htmlBody"`
}

// GetEmailBody resolves the bodies of the email at index within a
// previously retrieved listing.
func GetEmailBody(emails []mailbox.Email, index int) (BodyResult, error) {
	if err := checkIndex(len(emails), index); err != nil {
		return BodyResult{}, err
	}
	s := emails[index].Summary
	return BodyResult{
		Result:   OKResult(),
		EmailID:  s.ID,
		TextBody: s.TextBody,
		HTMLBody: s.HTMLBody,
	}, nil
}

// AttachmentResult carries one attachment of one listed email.
type AttachmentResult struct {
	Result
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// GetAttachment resolves one attachment by email index and attachment
// index within a previously retrieved listing.
func GetAttachment(emails []mailbox.Email, emailIndex, attachmentIndex int) (AttachmentResult, error) {
	if err := checkIndex(len(emails), emailIndex); err != nil {
		return AttachmentResult{}, err
	}
	att, err := emails[emailIndex].Summary.AttachmentAt(attachmentIndex)
	if err != nil {
		return AttachmentResult{}, err
	}
	return AttachmentResult{
		Result:      OKResult(),
		Name:        att.Name,
		ContentType: att.ContentType,
		Content:     att.Content,
	}, nil
}
