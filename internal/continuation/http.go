package continuation

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/overhage/taxis/internal/resilience"
)

// HTTPSink triggers POST {base}/jobs/{id}/continue on a worker.
type HTTPSink struct {
	base   string
	client *http.Client
	retry  resilience.RetryConfig
}

// NewHTTPSink creates an HTTPSink. timeout bounds each attempt.
func NewHTTPSink(baseURL string, timeout time.Duration) (*HTTPSink, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, eris.New("continuation: self url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, eris.Wrap(err, "continuation: parse self url")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("continuation", "POST continue")
	return &HTTPSink{
		base:   baseURL,
		client: &http.Client{Timeout: timeout},
		retry:  retry,
	}, nil
}

// Continue posts the trigger, retrying transient failures.
func (s *HTTPSink) Continue(ctx context.Context, jobID string) error {
	target := s.base + "/jobs/" + url.PathEscape(jobID) + "/continue"
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, http.NoBody)
		if err != nil {
			return eris.Wrap(err, "continuation: build request")
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &resilience.StatusError{Op: "continuation: POST " + target, StatusCode: resp.StatusCode}
		}
		return nil
	})
	observe("http", err)
	if err != nil {
		return eris.Wrapf(err, "continuation: trigger job %s", jobID)
	}
	return nil
}
