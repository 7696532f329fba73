package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/oib/aitbc/internal/errs"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errs.New(errs.Kind(""), code, message))
}

// writeErr renders the envelope spec.md §7 defines, deriving the HTTP
// status from the error's Kind when it is one of ours.
func writeErr(w http.ResponseWriter, err error) {
	if e, ok := errs.As(err); ok {
		writeJSON(w, e.Kind.HTTPStatus(), e)
		return
	}
	writeJSON(w, http.StatusInternalServerError, errs.New(errs.Kind(""), "INTERNAL", err.Error()))
}

func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	defer r.Body.Close()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(err, errs.Validation, "BAD_JSON", "malformed request body")
	}
	return nil
}
