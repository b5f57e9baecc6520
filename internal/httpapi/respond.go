package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/resume-agent/runtime/internal/apierror"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to the uniform envelope of spec.md §7 and the HTTP
// status its Code carries.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierror.Status(err), apierror.ToEnvelope(err))
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return apierror.New(apierror.CodeBadRequest, "missing request body")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierror.Wrap(apierror.CodeBadRequest, "malformed request body", err)
	}
	return nil
}

// decodeJSONBytes decodes body already read into memory, used by handlers
// that validate the raw bytes against a jsonschema.Schema before decoding
// them into a typed request struct.
func decodeJSONBytes(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return apierror.Wrap(apierror.CodeBadRequest, "malformed request body", err)
	}
	return nil
}
