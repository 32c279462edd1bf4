// Package api is the REST client for the ECG backend: session status, device claim and predictions.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/ecglink/internal/device"
)

// RequestIDHeader carries a per-request correlation id
const RequestIDHeader = "X-Request-ID"

// maxErrorBody bounds how much of a failed response body ends up in an error message
const maxErrorBody = 512

type Options struct {
	BaseURL string        `default:"http://192.168.7.85:8000/"`
	Timeout time.Duration `default:"15s"`
}

func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// ClaimResponse is the backend's answer to a device claim
type ClaimResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type claimRequest struct {
	DeviceID string `json:"device_id"`
}

type Client struct {
	base   *url.URL
	http   *http.Client
	logger *logrus.Logger
}

// NewClient validates the base URL. A nil httpClient gets one with Options.Timeout.
func NewClient(opts *Options, httpClient *http.Client, logger *logrus.Logger) (*Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", opts.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme must be http or https", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{base: base, http: httpClient, logger: logger}, nil
}

// FetchStatus returns the backend's view of the recording session of deviceID
func (c *Client) FetchStatus(ctx context.Context, deviceID string) (device.SessionStatus, error) {
	var status device.SessionStatus
	if err := c.do(ctx, http.MethodGet, route("status", deviceID), "", nil, &status); err != nil {
		return device.SessionStatus{}, &device.Error{Kind: device.KindPollFailed, Code: device.CodeOf(err), Msg: deviceID, Err: err}
	}
	return status, nil
}

// ClaimDevice binds deviceID to the account behind token
func (c *Client) ClaimDevice(ctx context.Context, token, deviceID string) (ClaimResponse, error) {
	var resp ClaimResponse
	if token == "" {
		return resp, device.NewError(device.KindClaimFailed, nil, "missing identity token")
	}
	if err := c.do(ctx, http.MethodPost, route("claim-device"), token, claimRequest{DeviceID: deviceID}, &resp); err != nil {
		return ClaimResponse{}, &device.Error{Kind: device.KindClaimFailed, Code: device.CodeOf(err), Msg: deviceID, Err: err}
	}
	return resp, nil
}

// LatestPrediction fetches the most recent analysis result for deviceID
func (c *Client) LatestPrediction(ctx context.Context, deviceID string) (device.PredictionSnapshot, error) {
	var snapshot device.PredictionSnapshot
	if err := c.do(ctx, http.MethodGet, route("predictions", deviceID), "", nil, &snapshot); err != nil {
		return device.PredictionSnapshot{}, fmt.Errorf("prediction for %s: %w", deviceID, err)
	}
	return snapshot, nil
}

// ----------------------------
// Transport
// ----------------------------

// StatusError is a non-2xx response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Code exposes the HTTP status to device.CodeOf
func (e *StatusError) Code() int {
	return e.StatusCode
}

// route builds a relative reference with each segment escaped
func route(segments ...string) *url.URL {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	return &url.URL{Path: strings.Join(segments, "/"), RawPath: strings.Join(escaped, "/")}
}

func (c *Client) do(ctx context.Context, method string, ref *url.URL, token string, body, out interface{}) error {
	endpoint := c.base.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	requestID := uuid.New().String()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"method":     method,
		"url":        endpoint.String(),
		"request_id": requestID,
	})
	logger.Debug("Backend request")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		logger.WithField("status", resp.StatusCode).Debug("Backend request rejected")
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
