// Package source defines the market data source capability and the HTTP
// adapters behind it. Adapter failures are classified into the pipeline's
// error taxonomy: transient problems feed the poller's backoff, not-found
// skips the symbol, and auth failures are fatal for the affected symbol.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/stock-poller/internal/models"
)

// Source produces observations on demand for one configured provider.
type Source interface {
	// Name identifies the provider in observations, logs and metrics.
	Name() string

	// Fetch retrieves the latest observation for a symbol. Errors wrap
	// models.ErrNotFound, models.ErrTransient or models.ErrFatal.
	Fetch(ctx context.Context, symbol string) (models.Observation, error)
}

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 1 << 20

// httpGet performs one bounded GET and classifies the response status into
// the error taxonomy shared by all adapters.
func httpGet(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, models.WrapFatal(fmt.Errorf("build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "stock-poller/1.0")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, models.WrapTransient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, models.WrapTransient(fmt.Errorf("read response: %v", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: provider returned 404", models.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, models.WrapFatal(fmt.Errorf("provider rejected credentials with status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.WrapTransient(fmt.Errorf("provider rate limited the request (429)"))
	case resp.StatusCode >= 500:
		return nil, models.WrapTransient(fmt.Errorf("provider returned status %d", resp.StatusCode))
	default:
		return nil, models.WrapTransient(fmt.Errorf("provider returned unexpected status %d", resp.StatusCode))
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
