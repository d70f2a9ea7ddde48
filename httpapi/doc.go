// Package httpapi exposes the authentication engine over HTTP/JSON.
//
// Every success response is `{"success": true, ...}`; failures are
// `{"success": false, "error": {"code", "message"}}` with extra fields
// (retry_after_seconds, risk_score, step_up_available) where the error
// class calls for them. Engine sentinel errors map onto a fixed status
// taxonomy; internals and account existence never leak to clients.
package httpapi
