package upload

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRejected means the collector answered but did not report success.
var ErrRejected = errors.New("upload not confirmed by server")

// Result is the parsed collector answer.
type Result struct {
	Success bool
	Path    string // Where the collector stored the document, if reported
	Body    map[string]any
}

type responseEnvelope struct {
	Result *struct {
		Success any    `json:"success"`
		Path    string `json:"path"`
	} `json:"result"`
}

// ParseResponse reads {"result":{"success":"true", ...}}. Only the string
// "true" counts as success; every other shape is ErrRejected.
func ParseResponse(body []byte) (*Result, error) {
	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Result == nil {
		return nil, fmt.Errorf("%w: missing result object", ErrRejected)
	}

	res := &Result{Path: env.Result.Path}
	_ = json.Unmarshal(body, &res.Body)

	success, ok := env.Result.Success.(string)
	if !ok || success != "true" {
		return res, fmt.Errorf("%w: success=%v", ErrRejected, env.Result.Success)
	}
	res.Success = true
	return res, nil
}
