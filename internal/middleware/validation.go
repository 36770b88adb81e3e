package middleware

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxRegistrySize is the largest registry PDF the gateway accepts.
const MaxRegistrySize = 20 << 20

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a path identifier such as a case or message id.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("id exceeds maximum length")
	}
	for _, r := range id {
		if !(r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return errors.New("id contains invalid characters")
		}
	}
	return nil
}

// ValidateAddressQuery validates an address search query.
func ValidateAddressQuery(q string) error {
	q = strings.TrimSpace(q)
	if utf8.RuneCountInString(q) < 2 {
		return errors.New("query must be at least 2 characters")
	}
	if len(q) > 200 {
		return errors.New("query exceeds maximum length")
	}
	return nil
}

// ValidatePDF checks the leading bytes of an upload for the PDF signature.
func ValidatePDF(head []byte) error {
	if !bytes.HasPrefix(head, []byte("%PDF-")) {
		return errors.New("file is not a PDF")
	}
	return nil
}
