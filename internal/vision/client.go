// Package vision generates image descriptions through an Ollama-compatible
// HTTP service, with the retry and recovery behavior a long unattended
// tagging run needs: health probing before every attempt, bounded retries
// with per-failure-class delays, and an optional cooldown-gated restart of
// the model service when it reports memory exhaustion.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrExhausted is returned when every retry attempt failed.
var ErrExhausted = errors.New("vision retries exhausted")

// DefaultPrompt asks for a single descriptive paragraph; the tag extractor
// works off this text.
const DefaultPrompt = "Describe this image in detail. Include the main subjects, " +
	"the setting, notable objects, colors, and the overall mood. " +
	"Write one concise paragraph."

// Options configures a Client. Zero delay fields get production defaults;
// tests set them to zero explicitly via the exported Client fields.
type Options struct {
	BaseURL         string
	Model           string
	Temperature     float64
	MaxRetries      int
	RestartCmd      string // empty disables service restarts
	RestartCooldown time.Duration
	Logger          *slog.Logger
}

// Client communicates with the vision model service over HTTP.
type Client struct {
	baseURL         string
	model           string
	temperature     float64
	maxRetries      int
	restartCmd      string
	restartCooldown time.Duration
	logger          *slog.Logger

	// restartMu guards lastRestart; one Client is shared by every watcher
	// goroutine and scan task, and the cooldown check must be atomic with
	// the timestamp update.
	restartMu   sync.Mutex
	lastRestart time.Time
	httpClient      *http.Client

	// Delays between retry attempts, by failure class. Fields so tests can
	// zero them.
	ConnectErrorDelay time.Duration
	HTTPErrorDelay    time.Duration
	EmptyBodyDelay    time.Duration
	PostRestartDelay  time.Duration

	// ProbeTimeout bounds the health check; GenerateTimeout bounds one
	// generate call (vision models can take minutes per image).
	ProbeTimeout    time.Duration
	GenerateTimeout time.Duration

	// runCommand executes the restart command; replaced in tests.
	runCommand func(ctx context.Context, cmd string) error
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		model:           opts.Model,
		temperature:     opts.Temperature,
		maxRetries:      maxRetries,
		restartCmd:      opts.RestartCmd,
		restartCooldown: opts.RestartCooldown,
		logger:          logger,
		httpClient:      &http.Client{Timeout: 0},

		ConnectErrorDelay: 5 * time.Second,
		HTTPErrorDelay:    3 * time.Second,
		EmptyBodyDelay:    2 * time.Second,
		PostRestartDelay:  10 * time.Second,
		ProbeTimeout:      5 * time.Second,
		GenerateTimeout:   5 * time.Minute,

		runCommand: runShell,
	}
}

func runShell(ctx context.Context, cmd string) error {
	return exec.CommandContext(ctx, "sh", "-c", cmd).Run()
}

// IsRunning returns true if the service responds to GET /api/tags with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// generateRequest is the JSON body for POST /api/generate.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Images  []string        `json:"images"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

// generateResponse is the JSON returned by POST /api/generate (non-streaming).
type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Describe sends a base64-encoded JPEG to the vision model and returns the
// generated description. It retries up to MaxRetries times across every
// failure class (unreachable service, HTTP errors, empty responses) and
// returns an error wrapping ErrExhausted when the budget runs out.
func (c *Client) Describe(ctx context.Context, imageB64 string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		// A failed probe consumes an attempt: a down service must not make
		// the retry loop spin forever.
		if !c.IsRunning(ctx) {
			lastErr = fmt.Errorf("vision service not responding at %s", c.baseURL)
			c.logger.Warn("vision service unreachable", "attempt", attempt, "url", c.baseURL)
			if err := c.sleep(ctx, c.ConnectErrorDelay); err != nil {
				return "", err
			}
			continue
		}

		desc, err := c.generate(ctx, imageB64)
		if err == nil && strings.TrimSpace(desc) != "" {
			return strings.TrimSpace(desc), nil
		}

		if err == nil {
			lastErr = errors.New("model returned an empty description")
			c.logger.Warn("empty description from model", "attempt", attempt, "model", c.model)
			if serr := c.sleep(ctx, c.EmptyBodyDelay); serr != nil {
				return "", serr
			}
			continue
		}

		lastErr = err
		c.logger.Warn("vision request failed", "attempt", attempt, "error", err)

		var herr *httpStatusError
		switch {
		case errors.As(err, &herr):
			if herr.restartWorthy() {
				c.maybeRestart(ctx)
			}
			if serr := c.sleep(ctx, c.HTTPErrorDelay); serr != nil {
				return "", serr
			}
		case ctx.Err() != nil:
			return "", ctx.Err()
		default:
			// Connection-level failure.
			if serr := c.sleep(ctx, c.ConnectErrorDelay); serr != nil {
				return "", serr
			}
		}
	}

	return "", fmt.Errorf("%w after %d attempts: %v", ErrExhausted, c.maxRetries, lastErr)
}

// httpStatusError carries the status and body of a non-200 generate response.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("generate: status %d: %s", e.status, truncate(e.body, 200))
}

// restartWorthy reports whether the failure looks like the model service is
// wedged (crash loop or GPU memory exhaustion) rather than a bad request.
func (e *httpStatusError) restartWorthy() bool {
	if e.status == http.StatusInternalServerError || e.status == http.StatusServiceUnavailable {
		return true
	}
	return strings.Contains(strings.ToLower(e.body), "out of memory")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (c *Client) generate(ctx context.Context, imageB64 string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  DefaultPrompt,
		Stream:  false,
		Images:  []string{imageB64},
		Options: generateOptions{Temperature: c.temperature},
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.GenerateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading generate response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &httpStatusError{status: resp.StatusCode, body: string(raw)}
	}

	var result generateResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decoding generate response: %w", err)
	}
	if result.Error != "" {
		return "", &httpStatusError{status: resp.StatusCode, body: result.Error}
	}
	return result.Response, nil
}

// maybeRestart invokes the configured restart command, at most once per
// cooldown window, then waits for the service to come back up.
func (c *Client) maybeRestart(ctx context.Context) {
	if c.restartCmd == "" {
		return
	}
	c.restartMu.Lock()
	if !c.lastRestart.IsZero() && time.Since(c.lastRestart) < c.restartCooldown {
		since := time.Since(c.lastRestart)
		c.restartMu.Unlock()
		c.logger.Info("restart suppressed by cooldown", "since_last", since.Round(time.Second))
		return
	}
	c.lastRestart = time.Now()
	c.restartMu.Unlock()

	c.logger.Warn("restarting vision service", "cmd", c.restartCmd)
	if err := c.runCommand(ctx, c.restartCmd); err != nil {
		c.logger.Error("restart command failed", "error", err)
		return
	}
	if err := c.sleep(ctx, c.PostRestartDelay); err != nil {
		return
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
