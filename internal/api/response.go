package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/go-playground/validator/v10"
)

// internalErrorBody is written when a response cannot be encoded.
var internalErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("api: cannot encode static response: " + err.Error())
	}
	return data
}

// writeJSONResponse encodes response before touching headers so an encoding failure still yields a clean 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response models.APIResponse) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to encode response", "status", statusCode, "error", err)
		body, statusCode = internalErrorBody, http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Warn("Server.writeJSONResponse: client went away", "error", err)
	}
}

// writeError maps the error taxonomy to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(validationMessage(validationErrs)))
	case errors.Is(err, models.ErrUnauthorized):
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid device token"))
	case errors.Is(err, models.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	case errors.Is(err, models.ErrSessionConflict):
		writeJSONResponse(w, http.StatusConflict, models.Error("Session changed, please retry"))
	default:
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}

func validationMessage(errs validator.ValidationErrors) string {
	fields := make([]string, 0, len(errs))
	for _, fe := range errs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return "Invalid request: " + strings.Join(fields, ", ")
}
