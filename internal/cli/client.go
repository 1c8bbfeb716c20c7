package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/api"
)

// apiClient talks to a running `warden up --api` instance. Requests carry no
// client-side deadline; the command context cancels them on interrupt.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := strings.TrimSpace(addr)
	if base == "" {
		base = "127.0.0.1:7667"
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{},
	}
}

// apiError carries the decoded error body of a failed control API call.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("control API: %s", e.Message)
	}
	return fmt.Sprintf("control API: unexpected status %d", e.Status)
}

// Processes fetches the tracked process list.
func (c *apiClient) Processes(ctx stdcontext.Context) ([]api.ProcessReport, error) {
	var envelope struct {
		Processes []api.ProcessReport `json:"processes"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/processes", &envelope); err != nil {
		return nil, err
	}
	return envelope.Processes, nil
}

// Stats fetches registry-wide statistics.
func (c *apiClient) Stats(ctx stdcontext.Context) (*api.StatsReport, error) {
	var report api.StatsReport
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Terminate asks the supervisor to terminate every tracked process. The
// timeout is sent only when explicit; otherwise the server applies its
// configured grace period.
func (c *apiClient) Terminate(ctx stdcontext.Context, timeout time.Duration, explicit bool) (*api.TerminateResult, error) {
	path := "/api/v1/terminate"
	if explicit {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	var envelope struct {
		Terminate api.TerminateResult `json:"terminate"`
	}
	if err := c.do(ctx, http.MethodPost, path, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Terminate, nil
}

// StopProcess releases pid from supervision. An unknown pid is not an error;
// the result reports Removed false.
func (c *apiClient) StopProcess(ctx stdcontext.Context, pid int) (api.StopResult, error) {
	var envelope struct {
		Stop api.StopResult `json:"stop"`
	}
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/processes/%d", pid), &envelope)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == "unknown_process" {
			return api.StopResult{PID: pid, Removed: false}, nil
		}
		return api.StopResult{}, err
	}
	return envelope.Stop, nil
}

func (c *apiClient) do(ctx stdcontext.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build control API request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control API request failed (is `warden up --api` running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode control API response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &apiError{Status: resp.StatusCode}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	}
	return apiErr
}
