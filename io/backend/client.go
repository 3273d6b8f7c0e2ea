// Package backend is the background's client for the remote subtitle API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/errs"
)

// routes maps API-bound message types to endpoint paths.
var routes = map[string]string{
	dto.TypeCheckSubtitle:     "/v1/subtitles/check",
	dto.TypeSubmitTranslation: "/v1/translations",
	dto.TypeProcessVote:       "/v1/votes",
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string
	UserAgent  string
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api answered %d: %s", e.Code, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	userAgent  string
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      strings.TrimSpace(opts.Token),
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

// Handles reports whether msgType is served by the API.
func Handles(msgType string) bool {
	_, ok := routes[msgType]
	return ok
}

// Call posts payload to the endpoint for msgType and returns the response body.
func (c *Client) Call(ctx context.Context, msgType string, payload json.RawMessage) (json.RawMessage, error) {
	path, ok := routes[msgType]
	if !ok {
		return nil, &errs.ValidationError{Field: "type", Reason: "no api endpoint for " + msgType}
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrapf(err, "build %s request", msgType)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s request", msgType)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, errors.Wrapf(readErr, "read %s response", msgType)
	}
	log.WithFields(log.Fields{"type": msgType, "status": resp.StatusCode, "took": time.Since(start)}).Debug("api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(body)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errors.Errorf("%s: api answered with invalid JSON", msgType)
	}
	return body, nil
}

func errorMessage(body []byte) string {
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		switch {
		case strings.TrimSpace(parsed.Message) != "":
			message = parsed.Message
		case strings.TrimSpace(parsed.Error) != "":
			message = parsed.Error
		}
	}
	return message
}
