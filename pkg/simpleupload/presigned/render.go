package presigned

import (
	"net/http"

	"github.com/go-chi/render"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes {"error":{"code":...,"message":...}} with status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]errorBody{"error": {Code: code, Message: message}})
}
