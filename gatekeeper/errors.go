package gatekeeper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elnormous/contenttype"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// ErrNotJSON is returned by DecodeJSON for responses of another media type.
var ErrNotJSON = errors.New("gatekeeper: response is not application/json")

// HTTPError is a non-2xx API response.
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string
	// Body is the decoded JSON body, or the raw text when it was not JSON.
	Body any
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// ResponseBody lets notices derive a message from the API's error payload.
func (e *HTTPError) ResponseBody() any { return e.Body }

// CheckResponse returns nil for 2xx responses and an *HTTPError otherwise.
// On error the body has been consumed; the caller still closes it.
func CheckResponse(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode <= 299 {
		return nil
	}
	he := &HTTPError{StatusCode: res.StatusCode}
	if res.Request != nil {
		he.Method = res.Request.Method
		he.URL = res.Request.URL.Redacted()
	}
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			he.Body = v
		} else {
			he.Body = string(raw)
		}
	}
	return he
}

// DecodeJSON checks the response status and media type, then decodes the
// body into v.
func DecodeJSON(res *http.Response, v any) error {
	if err := CheckResponse(res); err != nil {
		return err
	}
	if res.Header.Get("Content-Type") != "" {
		mt, err := contenttype.GetMediaType(&http.Request{Header: res.Header})
		if err != nil || mt.Type != jsonMediaType.Type || mt.Subtype != jsonMediaType.Subtype {
			return ErrNotJSON
		}
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 8<<20)).Decode(v); err != nil {
		return fmt.Errorf("gatekeeper: decode response: %w", err)
	}
	return nil
}
