// Package ipc carries controller commands and events between the scanctl
// daemon and its clients: HTTP on a unix socket, JSON bodies, and a
// newline-delimited JSON event stream.
package ipc

import (
	"blescan/internal/permission"
	"blescan/internal/scan"
)

// CommandResponse is returned by the scan and permission commands.
type CommandResponse struct {
	Session scan.Session `json:"session"`
	Error   scan.Reason  `json:"error,omitempty"`
	Message string       `json:"message,omitempty"`
}

// PermissionsResponse is returned by GET /permissions.
type PermissionsResponse struct {
	Grants  map[permission.Capability]permission.Grant `json:"grants"`
	Pending []permission.Capability                    `json:"pending,omitempty"`
}

// AnswerRequest is the body of POST /permissions/answer.
type AnswerRequest struct {
	Granted bool `json:"granted"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
