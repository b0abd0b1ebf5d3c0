package agentruntime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// RouteJudge submits a short-lived, non-streaming call to the agent
// runtime's routing-specific prompt and returns the raw text reply. This
// satisfies router.AgentCaller. Unlike StreamTurn it does not attach a
// resume token — routing judgements are stateless per §4.3.
func (c *Client) RouteJudge(ctx context.Context, input []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/route", bytes.NewReader(input))
	if err != nil {
		return "", fmt.Errorf("agentruntime: build route request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.httpClient.Do(httpReq)
	})
	if err != nil {
		return "", fmt.Errorf("agentruntime: route request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("agentruntime: read route response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("agentruntime: route call returned status %d", resp.StatusCode)
	}
	return string(body), nil
}
