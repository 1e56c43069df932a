// Package message parses raw RFC 5322 payloads into the flat summary
// shape the connector renders.
package message

import (
	"bytes"
	"errors"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/gotrs-io/mailbridge/internal/emailerr"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Attachment is one decoded attachment part.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// Summary is the flattened view of one message.
type Summary struct {
	// ID is the Message-ID header without angle brackets.
	ID          string
	To          []string
	From        []string
	CC          []string
	BCC         []string
	ReplyTo     []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

// AttachmentAt returns the attachment at index.
func (s *Summary) AttachmentAt(index int) (Attachment, error) {
	if index < 0 || index >= len(s.Attachments) {
		return Attachment{}, emailerr.New(emailerr.KindNotFound,
			"no attachment found at index %d", index)
	}
	return s.Attachments[index], nil
}

// Parse decodes a raw message into a summary. Unreadable inline or
// attachment parts are skipped, not fatal; an unparseable envelope is.
func Parse(raw []byte) (*Summary, error) {
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, emailerr.Wrap(emailerr.KindResponse, err,
			"error occurred while parsing the message")
	}
	defer reader.Close()

	s := &Summary{}
	header := &reader.Header
	if id, err := header.MessageID(); err == nil {
		s.ID = id
	} else {
		s.ID = strings.Trim(header.Get("Message-Id"), "<> ")
	}
	if subject, err := header.Subject(); err == nil {
		s.Subject = subject
	} else {
		s.Subject = header.Get("Subject")
	}
	s.From = addressesFromHeader(header, "From")
	s.To = addressesFromHeader(header, "To")
	s.CC = addressesFromHeader(header, "Cc")
	s.BCC = addressesFromHeader(header, "Bcc")
	s.ReplyTo = addressesFromHeader(header, "Reply-To")

	if err := readParts(reader, s); err != nil {
		return nil, err
	}
	return s, nil
}

func addressesFromHeader(header *gomail.Header, key string) []string {
	list, err := header.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out
}

func readParts(reader *gomail.Reader, s *Summary) error {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return emailerr.Wrap(emailerr.KindResponse, err,
				"error occurred while reading message parts")
		}
		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			readInline(part, header, s)
		case *gomail.AttachmentHeader:
			readAttachment(part, header, s)
		}
	}
}

func readInline(part *gomail.Part, header *gomail.InlineHeader, s *Summary) {
	mediaType, _, err := header.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}
	body, err := io.ReadAll(part.Body)
	if err != nil {
		return
	}
	switch strings.ToLower(mediaType) {
	case "text/html":
		if s.HTMLBody == "" {
			s.HTMLBody = string(body)
		}
	default:
		if s.TextBody == "" {
			s.TextBody = string(body)
		}
	}
}

func readAttachment(part *gomail.Part, header *gomail.AttachmentHeader, s *Summary) {
	filename, err := header.Filename()
	if err != nil {
		filename = ""
	}
	contentType, _, err := header.ContentType()
	if err != nil {
		contentType = "application/octet-stream"
	}
	content, err := io.ReadAll(part.Body)
	if err != nil {
		return
	}
	s.Attachments = append(s.Attachments, Attachment{
		Name:        filename,
		ContentType: contentType,
		Content:     content,
	})
}
