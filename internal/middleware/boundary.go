package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// GenericErrorTitle and GenericErrorMessage make up the apology shown for
// any unexpected failure.
const (
	GenericErrorTitle   = "Something went wrong"
	GenericErrorMessage = "Please check the link and try again."
)

// ErrorBody is the JSON body of the generic error screen.
type ErrorBody struct {
	Error   string `json:"error"`
	Screen  string `json:"screen"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// GenericError returns the apology body.
func GenericError() ErrorBody {
	return ErrorBody{
		Error:   "internal error",
		Screen:  "generic_error",
		Title:   GenericErrorTitle,
		Message: GenericErrorMessage,
	}
}

// Boundary recovers from panics in later handlers and answers with the
// generic error screen. http.ErrAbortHandler is re-raised.
func Boundary(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			slog.Error("Unhandled panic",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", p,
				"stack", string(debug.Stack()))

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(GenericError())
		}()
		next.ServeHTTP(w, r)
	})
}
