package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"codebox/internal/execerr"
	"codebox/internal/execution"
	"codebox/pkg/logger"
)

// Executor runs a request to completion. *execution.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Record, error)
}

// DecodeRequest reads an execute request body of at most maxBody bytes.
// Numbers are kept as json.Number so large integers reach the snippet
// unchanged.
func DecodeRequest(body io.Reader, maxBody int64) (execution.Request, error) {
	var req execution.Request
	data, err := io.ReadAll(io.LimitReader(body, maxBody+1))
	if err != nil {
		return req, err
	}
	if int64(len(data)) > maxBody {
		return req, &http.MaxBytesError{Limit: maxBody}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, &execerr.ValidationError{Reason: "malformed JSON body: " + err.Error()}
	}
	return req, nil
}

// WriteExecuteError maps an Execute error onto a response.
func WriteExecuteError(w http.ResponseWriter, err error) {
	var (
		invalid  *execerr.ValidationError
		rejected *execerr.AdmissionError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooLarge):
		SendError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	case errors.As(err, &invalid):
		SendJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Code:    ErrCodeInvalidRequest,
			Message: invalid.Error(),
			Field:   invalid.Field,
		}})
	case errors.As(err, &rejected):
		w.Header().Set("Retry-After", "1")
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, rejected.Error())
	default:
		logger.Error().Err(err).Msg("execute failed")
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
	}
}

// ExecuteHandler serves POST /execute. Every executed request answers 200 with
// the record, whether or not the snippet succeeded; only requests that never
// ran get an error status. bodyLimit is read per request so it follows
// reloaded settings.
func ExecuteHandler(exec Executor, bodyLimit func() int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := DecodeRequest(r.Body, bodyLimit())
		if err != nil {
			WriteExecuteError(w, err)
			return
		}

		rec, err := exec.Execute(r.Context(), req)
		if err != nil {
			WriteExecuteError(w, err)
			return
		}
		w.Header().Set(HeaderExecutionID, rec.ID)
		SendJSON(w, http.StatusOK, rec)
	}
}
