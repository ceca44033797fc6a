package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
)

// Error numbers reported in ErrorNumber, in the Alpaca range.
const (
	errInvalidValue     = 0x401
	errNotConnected     = 0x407
	errInvalidOperation = 0x40B
	errUnspecified      = 0x4FF
)

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ClientTransactionID int    `json:"ClientTransactionID"`
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// apiError is returned by handlers to report a failure in the envelope.
type apiError struct {
	code    int
	message string
}

func (e *apiError) Error() string {
	return e.message
}

func invalidValue(format string, err error) error {
	return &apiError{code: errInvalidValue, message: format + ": " + err.Error()}
}

// handlerFunc returns the response value or an error.
type handlerFunc func(r *http.Request) (any, error)

// handle wraps a handlerFunc into the JSON envelope.
func handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := requestParams(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		txID, err := getClientTxID(params)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		response := baseResponse{
			ServerTransactionID: int(txCounter.Add(1)),
			ClientTransactionID: txID,
		}

		value, err := h(r)
		if err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) {
				response.ErrorNumber = apiErr.code
			} else {
				response.ErrorNumber = errUnspecified
			}
			response.ErrorMessage = err.Error()
		} else {
			response.Value = value
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// requestParams returns the body parameters of PUT requests and the query
// parameters of the others.
func requestParams(r *http.Request) (url.Values, error) {
	if r.Method != http.MethodPut {
		return r.URL.Query(), nil
	}
	return parseBodyParams(r)
}

// Helper to read and parse the request body as URL-encoded data.
func parseBodyParams(r *http.Request) (url.Values, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	// Reset the body so it can be read again later.
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return url.ParseQuery(string(bodyBytes))
}

// getClientTxID obtains the optional client transaction ID.
func getClientTxID(params url.Values) (int, error) {
	for param, value := range params {
		if strings.ToLower(param) == "clienttransactionid" {
			id, err := strconv.Atoi(value[0])
			if err != nil || id < 0 {
				return 0, errors.New("ClientTransactionID must be a non-negative integer")
			}
			return id, nil
		}
	}
	return 0, nil
}

// parseRequest reads a field from the request body, case insensitively.
func parseRequest(r *http.Request, field string) (string, error) {
	params, err := parseBodyParams(r)
	if err != nil {
		return "", err
	}

	for param, value := range params {
		if strings.EqualFold(param, field) {
			return value[0], nil
		}
	}
	return "", errors.New("missing field " + field)
}
