package agentruntime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kandev/router/internal/common/logger"
)

// Client is one borrowed-from-the-pool handle to the agent runtime,
// parameterised with a resume token at construction time. It satisfies
// pool.Client (Connect/Disconnect) so the Agent-Client Pool can manage its
// lifecycle without depending on this package's concrete type.
type Client struct {
	cfg             Config
	resumeSessionID string
	httpClient      *http.Client
	breaker         *gobreaker.CircuitBreaker[*http.Response]
	log             *logger.Logger

	mu         sync.Mutex
	cancelInFlight context.CancelFunc
	sub            *subprocessState // non-nil only once a subprocess turn has started
}

// NewFactory returns a constructor bound to cfg and the shared circuit
// breaker; wrapped into a pool.Factory, it gives every acquisition a fresh
// Client.
func NewFactory(cfg Config, breaker *gobreaker.CircuitBreaker[*http.Response], log *logger.Logger) func(agentSessionID string) *Client {
	return func(agentSessionID string) *Client {
		return &Client{
			cfg:             cfg,
			resumeSessionID: agentSessionID,
			httpClient:      &http.Client{Timeout: 0}, // streaming: no blanket timeout, runtime owns its own deadline
			breaker:         breaker,
			log:             log,
		}
	}
}

// NewBreaker builds the shared circuit breaker wrapping calls to the
// remote agent runtime.
func NewBreaker() *gobreaker.CircuitBreaker[*http.Response] {
	settings := gobreaker.Settings{
		Name:        "agent-runtime",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return gobreaker.NewCircuitBreaker[*http.Response](settings)
}

// Connect prepares the client for use. For the subprocess transport it
// checks that the configured command resolves; for the HTTP transport it
// does nothing and does not contact the runtime — the protocol is a
// stateless streaming POST per turn — but it is still required because the
// pool's contract demands symmetric construct/teardown around the client's
// use.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Transport == TransportSubprocess {
		return c.connectSubprocess(ctx)
	}
	return nil
}

// Disconnect cancels any in-flight request this client owns.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelInFlight != nil {
		c.cancelInFlight()
		c.cancelInFlight = nil
	}
	if c.cfg.Transport == TransportSubprocess {
		return c.disconnectSubprocess()
	}
	return nil
}

// StreamTurn submits one turn and returns a channel of StreamMessage
// followed by its close, plus an error channel of length 1. The resume
// token from construction time is attached automatically.
func (c *Client) StreamTurn(ctx context.Context, req TurnRequest) (<-chan StreamMessage, <-chan error) {
	req.ResumeSessionID = c.resumeSessionID

	if c.cfg.Transport == TransportSubprocess {
		return c.streamTurnSubprocess(ctx, req)
	}

	out := make(chan StreamMessage, 16)
	errCh := make(chan error, 1)

	reqCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelInFlight = cancel
	c.mu.Unlock()

	go func() {
		defer close(out)
		defer cancel()

		body, err := json.Marshal(req)
		if err != nil {
			errCh <- fmt.Errorf("agentruntime: marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/v1/turns", bytes.NewReader(body))
		if err != nil {
			errCh <- fmt.Errorf("agentruntime: build request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.cfg.AuthToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.httpClient.Do(httpReq)
		})
		if err != nil {
			errCh <- fmt.Errorf("agentruntime: request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			errCh <- fmt.Errorf("agentruntime: runtime returned status %d", resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var msg StreamMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				c.log.Sugar().Warnw("agentruntime: skipping malformed stream line", "error", err)
				continue
			}
			select {
			case out <- msg:
			case <-reqCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("agentruntime: stream read error: %w", err)
		}
	}()

	return out, errCh
}
