package client

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"unicode/utf8"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// postJSON posts body to path and decodes the response into out when out
// is non-nil. Non-2xx responses surface the server's error message.
func postJSON(baseURL BaseURLFunc, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(baseURL()+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	return readResponse(resp, out)
}

// getJSON fetches path with query params and decodes the response.
func getJSON(baseURL BaseURLFunc, path string, params url.Values, out any) error {
	u := baseURL() + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		return err
	}
	return readResponse(resp, out)
}

func readResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return errNoContent
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

var errNoContent = fmt.Errorf("no content")

// decodedPayload renders a payload as JSON, text, or base64, whichever
// loses the least.
func decodedPayload(payload []byte) map[string]any {
	out := map[string]any{}
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') {
		var v any
		if json.Unmarshal(payload, &v) == nil {
			out["payload_json"] = v
			return out
		}
	}
	if utf8.Valid(payload) {
		out["payload_text"] = string(payload)
		return out
	}
	out["payload_b64"] = base64.StdEncoding.EncodeToString(payload)
	return out
}
