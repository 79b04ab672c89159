package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Envelope is the normalized response shape. Object keys inside Data and
// Details already follow the internal naming convention.
type Envelope struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`

	// StatusCode is the HTTP status of the exchange.
	StatusCode int `json:"-"`

	// Sequence orders exchanges issued by one transport. A response with a
	// lower sequence than one already applied is stale.
	Sequence uint64 `json:"-"`
}

// Decode unmarshals Data into out.
func (e *Envelope) Decode(out any) error {
	if e == nil || e.Data == nil {
		return fmt.Errorf("envelope has no data")
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode envelope data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode envelope data: %w", err)
	}
	return nil
}

// normalize turns a raw response body into an Envelope. Bodies that are
// already envelopes keep their fields; anything else becomes Data.
func normalize(status int, body []byte) (*Envelope, error) {
	env := &Envelope{
		Success:    status >= 200 && status < 300,
		StatusCode: status,
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return env, nil
	}

	var parsed any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		if env.Success {
			return nil, fmt.Errorf("decode response body: %w", err)
		}
		env.Error = strings.TrimSpace(string(body))
		return env, nil
	}

	obj, isObject := parsed.(map[string]any)
	if _, hasSuccess := obj["success"].(bool); !isObject || !hasSuccess {
		env.Data = FromWire(parsed)
		if !env.Success && isObject {
			env.Error = stringField(obj, "error")
			env.ErrorCode = stringField(obj, "error_code")
			env.Message = stringField(obj, "message")
		}
		return env, nil
	}

	env.Success = obj["success"].(bool) && env.Success
	env.Data = FromWire(obj["data"])
	env.Message = stringField(obj, "message")
	env.Error = stringField(obj, "error")
	env.ErrorCode = stringField(obj, "error_code")
	env.Timestamp = stringField(obj, "timestamp")
	if details, ok := FromWire(obj["details"]).(map[string]any); ok {
		env.Details = details
	}
	return env, nil
}

// errorMessage picks the most specific human readable failure message.
func errorMessage(env *Envelope, body []byte) string {
	if msg := flattenValidation(body); msg != "" {
		return msg
	}
	if env.Error != "" {
		return env.Error
	}
	if env.Message != "" {
		return env.Message
	}
	if text := http.StatusText(env.StatusCode); text != "" {
		return text
	}
	return "request failed"
}

// flattenValidation joins validation details into one string. Details may
// be a plain string or a list of {loc|location, msg|message} objects, where
// loc is either a string or a path array.
func flattenValidation(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}

	for _, path := range []string{"detail", "details", "errors", "error.details"} {
		res := gjson.GetBytes(body, path)
		if !res.Exists() {
			continue
		}
		if res.Type == gjson.String {
			return res.String()
		}
		if !res.IsArray() {
			continue
		}

		var parts []string
		res.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				parts = append(parts, item.String())
				return true
			}

			msg := item.Get("msg")
			if !msg.Exists() {
				msg = item.Get("message")
			}
			loc := item.Get("loc")
			if !loc.Exists() {
				loc = item.Get("location")
			}

			location := loc.String()
			if loc.IsArray() {
				var segs []string
				loc.ForEach(func(_, seg gjson.Result) bool {
					segs = append(segs, seg.String())
					return true
				})
				location = strings.Join(segs, ".")
			}

			if location != "" {
				parts = append(parts, location+": "+msg.String())
			} else if msg.String() != "" {
				parts = append(parts, msg.String())
			}
			return true
		})

		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	return ""
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
