package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidJSON is returned when a structured response cannot be decoded.
var ErrInvalidJSON = errors.New("llm returned invalid json")

// InvokeJSON asks for a JSON response and decodes it into out.
func InvokeJSON(ctx context.Context, gw Gateway, req Request, out any) (*Response, error) {
	req.JSON = true
	resp, err := gw.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	body := ExtractJSON(resp.Text)
	if body == "" {
		return resp, fmt.Errorf("%w: empty response", ErrInvalidJSON)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return resp, nil
}

// ExtractJSON strips markdown fences and any prose around the outermost JSON
// object or array.
func ExtractJSON(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if nl := strings.Index(trimmed, "\n"); nl >= 0 && !strings.ContainsAny(trimmed[:nl], "{[") {
			trimmed = trimmed[nl+1:]
		}
		if end := strings.LastIndex(trimmed, "```"); end >= 0 {
			trimmed = trimmed[:end]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if trimmed[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(trimmed, closer)
	if end < start {
		return ""
	}
	return trimmed[start : end+1]
}
