// Package message defines the mailflow domain record and the transforms
// between its on-disk JSON shape and the shapes the Ledger and Vector Sink
// need.
//
// Design rules:
//   - A Message is immutable once decoded; callers never mutate it in place.
//   - Extra carries any further filter_* fields a deployment wants to
//     propagate without changing this struct — the vector property mapping
//     is fixed (§4.4) except for this one escape hatch.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingField is returned when a required field is absent from the
// decoded JSON record.
var ErrMissingField = errors.New("message: missing required field")

// Message is a parsed mail record ready for batching and import.
type Message struct {
	MailID       string
	UserID       string
	Domain       string
	ReceivedTime time.Time
	Subject      string
	Content      string

	// Extra holds filter_<key> values propagated verbatim from the source
	// record's mailbox/folder fields and any further string-valued filter_*
	// keys.
	Extra map[string]string
}

// rawRecord is the on-disk JSON shape. Field aliasing (subject/mail_header,
// content/mail_content) is resolved in FromJSON.
type rawRecord struct {
	MailID       string `json:"mail_id"`
	UserID       string `json:"user_id"`
	Domain       string `json:"domain"`
	ReceivedTime string `json:"received_time"`
	Subject      string `json:"subject"`
	MailHeader   string `json:"mail_header"`
	Content      string `json:"content"`
	MailContent  string `json:"mail_content"`
	Mailbox      string `json:"mailbox"`
	Folder       string `json:"folder"`
}

// FromJSON decodes a single mail record. It requires mail_id, user_id, and a
// parseable received_time; every other field is optional.
func FromJSON(data []byte) (*Message, error) {
	var r rawRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("message: decode: %w", err)
	}

	if r.MailID == "" {
		return nil, fmt.Errorf("%w: mail_id", ErrMissingField)
	}
	if r.UserID == "" {
		return nil, fmt.Errorf("%w: user_id", ErrMissingField)
	}
	if r.ReceivedTime == "" {
		return nil, fmt.Errorf("%w: received_time", ErrMissingField)
	}

	receivedTime, err := time.Parse(time.RFC3339, r.ReceivedTime)
	if err != nil {
		receivedTime, err = time.Parse("2006-01-02T15:04:05", r.ReceivedTime)
		if err != nil {
			return nil, fmt.Errorf("message: parse received_time %q: %w", r.ReceivedTime, err)
		}
	}

	domain := r.Domain
	if domain == "" {
		domain = DomainFromUserID(r.UserID)
	}

	subject := r.Subject
	if subject == "" {
		subject = r.MailHeader
	}
	content := r.Content
	if content == "" {
		content = r.MailContent
	}

	extra := make(map[string]string)
	var all map[string]any
	if err := json.Unmarshal(data, &all); err == nil {
		for k, v := range all {
			if s, ok := v.(string); ok && strings.HasPrefix(k, "filter_") {
				extra[k] = s
			}
		}
	}
	if r.Mailbox != "" {
		extra["filter_mailbox"] = r.Mailbox
	}
	if r.Folder != "" {
		extra["filter_folder"] = r.Folder
	}

	return &Message{
		MailID:       r.MailID,
		UserID:       r.UserID,
		Domain:       domain,
		ReceivedTime: receivedTime,
		Subject:      subject,
		Content:      content,
		Extra:        extra,
	}, nil
}

// RecoverMailID makes a best-effort attempt to pull mail_id out of data that
// failed full FromJSON decoding (e.g. a bad received_time), so a ledger
// failure row can still be keyed correctly. Returns "" if even this minimal
// decode fails.
func RecoverMailID(data []byte) string {
	var r struct {
		MailID string `json:"mail_id"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return ""
	}
	return r.MailID
}

// DomainFromUserID returns the substring after '@' in a user id, or "" if
// user id carries no '@'.
func DomainFromUserID(userID string) string {
	i := strings.LastIndexByte(userID, '@')
	if i < 0 || i == len(userID)-1 {
		return ""
	}
	return userID[i+1:]
}

// YMD returns the year, month, day components used as filter fields.
func (m *Message) YMD() (year, month, day string) {
	y, mo, d := m.ReceivedTime.Date()
	return fmt.Sprintf("%04d", y), fmt.Sprintf("%02d", int(mo)), fmt.Sprintf("%02d", d)
}

// VectorProperties returns the fixed property mapping the Vector Sink writes
// for this message: filter_user_id, filter_year, filter_month, filter_day,
// mail_id, search_mail_content, search_mail_header, plus any Extra entries.
func (m *Message) VectorProperties() map[string]any {
	year, month, day := m.YMD()
	props := map[string]any{
		"filter_user_id":      m.UserID,
		"filter_year":         year,
		"filter_month":        month,
		"filter_day":          day,
		"mail_id":             m.MailID,
		"search_mail_content": m.Content,
		"search_mail_header":  m.Subject,
	}
	for k, v := range m.Extra {
		props[k] = v
	}
	return props
}

// ReceivedTimeRFC3339 formats ReceivedTime the way it is persisted in the
// Ledger (ISO-8601 / RFC 3339, preserving whatever zone it was parsed with).
func (m *Message) ReceivedTimeRFC3339() string {
	return m.ReceivedTime.Format(time.RFC3339)
}
