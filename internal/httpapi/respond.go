package httpapi

import (
	"encoding/json"
	"net/http"
)

// Error codes on the wire. Store errors are mapped here and never leak
// their underlying text.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeMissingAuth      = "MISSING_AUTH"
	CodeInvalidAuth      = "INVALID_AUTH"
	CodeBanned           = "BANNED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeStateUnavailable = "STATE_UNAVAILABLE"
	CodeAgentIDTaken     = "AGENT_ID_TAKEN"
	CodeInternal         = "INTERNAL"
)

type errorBody struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string, details map[string]interface{}) {
	writeJSON(w, status, errorBody{Error: msg, Code: code, Details: details})
}
