package bot

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/keepmind9/botgate/pkg/constants"
)

// RawPayload is the JSON document of one delivery. Connectors only read it.
type RawPayload []byte

// Clone returns a copy that does not share memory with p
func (p RawPayload) Clone() RawPayload {
	if p == nil {
		return nil
	}
	out := make(RawPayload, len(p))
	copy(out, p)
	return out
}

// NewRequest builds a Request from a delivery. Form-encoded bodies are turned
// into a JSON object of their fields so that every connector reads JSON; the
// original bytes stay in Body for signature checks.
func NewRequest(header http.Header, body []byte) (*Request, error) {
	if header == nil {
		header = http.Header{}
	}
	payload, err := decodeBody(header.Get("Content-Type"), body)
	if err != nil {
		return nil, err
	}
	return &Request{
		Body:    body,
		Header:  header,
		Payload: payload,
	}, nil
}

// decodeBody converts a delivery body into its JSON view
func decodeBody(contentType string, body []byte) (RawPayload, error) {
	mediaType := ""
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("invalid content type %q: %w", contentType, err)
		}
		mediaType = mt
	}

	if mediaType != "application/x-www-form-urlencoded" {
		return RawPayload(body), nil
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse form body: %w", err)
	}
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode form body: %w", err)
	}
	return data, nil
}

// maskSecret masks sensitive information for logging
func maskSecret(s string) string {
	if len(s) <= constants.MinSecretLengthForMasking {
		return "***"
	}
	return s[:constants.SecretMaskPrefixLength] + "***" + s[len(s)-constants.SecretMaskSuffixLength:]
}

// truncate cuts message to the platform limit in bytes, keeping the beginning
// and never splitting a UTF-8 sequence
func truncate(message string, limit int) string {
	if len(message) <= limit {
		return message
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

// parseUnixTimestamp parses a decimal timestamp expressed in unit (time.Second
// or time.Millisecond)
func parseUnixTimestamp(s string, unit time.Duration) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	if unit == time.Millisecond {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}

// stringValue dereferences an optional string from an SDK struct
func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
