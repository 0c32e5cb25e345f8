package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore-server/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Error().Err(err).Msg("encode response")
		}
	}
}

// respondError writes the error envelope: {"error": code, "message": text}.
// Codes are stable API contract; messages are free to improve.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": code, "message": message})
}

// NotFound replaces the router's plain-text default so unmatched paths
// still speak the error envelope.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "not_found", "Route not found.")
}

// MethodNotAllowed does the same for matched paths hit with the wrong verb.
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusMethodNotAllowed, "method_not_allowed",
		"Method not allowed for this route.")
}

// decodeJSON parses and validates a request body into dst. On
// rejection it writes the error response and returns false. Unparsable
// bytes are malformed_json (400); parsable-but-invalid values are
// validation_error (422).
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		var syntaxErr *json.SyntaxError
		switch {
		case errors.As(err, &maxBytesErr):
			respondError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("Request body exceeds %d bytes.", maxBytesErr.Limit))
		case errors.Is(err, io.EOF):
			respondError(w, http.StatusUnprocessableEntity, "validation_error",
				"Request body is required.")
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			respondError(w, http.StatusBadRequest, "malformed_json",
				"Request body contains invalid JSON.")
		default:
			// type mismatches and custom unmarshaler rejections: the
			// JSON parsed, the values did not
			respondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		}
		return false
	}

	if err := validate.Struct(dst); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", validationMessage(err))
		return false
	}
	return true
}

// validationMessage names the first failing field and constraint so
// clients can locate the problem without parsing free text.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fmt.Sprintf("%s: fails %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s: fails %s", fe.Field(), fe.Tag())
	}
	return err.Error()
}

// respondStoreError maps storage failures onto the envelope. Anything
// unrecognized is an internal error: logged in full, reported vaguely.
func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var pgErr *pgconn.PgError
	switch {
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		respondError(w, http.StatusConflict, "conflict", "Resource already exists.")
	default:
		log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("store error")
		respondError(w, http.StatusInternalServerError, "internal_error",
			"An internal server error occurred.")
	}
}
