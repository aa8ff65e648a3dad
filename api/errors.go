package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/otpd/otpd/challenge"
	"github.com/otpd/otpd/identity"
	"github.com/otpd/otpd/pairing"
	"github.com/otpd/otpd/storage"
	"github.com/otpd/otpd/token"
	"github.com/otpd/otpd/validate"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, validate.ErrPolicyDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrDirectoryUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, challenge.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, challenge.ErrTooManyChallenges):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, token.ErrSerialExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, token.ErrUnknownKind),
		errors.Is(err, token.ErrBadSuite),
		errors.Is(err, token.ErrNotPaired),
		errors.Is(err, validate.ErrNotResyncable),
		errors.Is(err, pairing.ErrMalformedData):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
