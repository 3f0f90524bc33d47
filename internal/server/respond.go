// Package server exposes the gateway's HTTP API: mailbox retrieval and purge
// endpoints plus pool management, all behind API-key authentication.
package server

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeData sends the success envelope {"success":true,"data":...}.
func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    data,
	})
}

// writeMailData is the retrieval-endpoint variant that carries the resolved
// address at the top level next to the payload.
func writeMailData(w http.ResponseWriter, address string, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    data,
		"email":   address,
	})
}

// writeError sends {"success":false,"error":{"code":...,"message":...}}.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   errorBody{Code: code, Message: message},
	})
}

// writeText sends a text/plain response for the script-friendly endpoints.
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
