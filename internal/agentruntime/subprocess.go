package agentruntime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
)

// TransportHTTP and TransportSubprocess select how StreamTurn reaches the
// agent runtime: one streaming HTTP POST per turn, or a child process
// speaking a newline-delimited control protocol over its stdin/stdout
// pipes, launched fresh for each StreamTurn call.
const (
	TransportHTTP       = "http"
	TransportSubprocess = "subprocess"
)

// frame is one line of the subprocess protocol, with fields for every
// frame type the child process may emit. Only the subset StreamTurn
// cares about (assistant content, control requests, and the terminal
// result) is populated by this package; the rest exists so a frame this
// client doesn't understand still round-trips through json.Unmarshal
// without error.
type frame struct {
	Type string `json:"type"`

	// assistant frames
	Message *frameMessage `json:"message,omitempty"`

	// control_request frames (child asking permission to use a tool)
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`

	// result frames
	SessionID  string `json:"session_id,omitempty"`
	NumTurns   int    `json:"num_turns,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	Result     string `json:"result,omitempty"`
}

type frameMessage struct {
	Content json.RawMessage `json:"content,omitempty"`
}

type controlRequest struct {
	Subtype  string `json:"subtype"`
	ToolName string `json:"tool_name,omitempty"`
}

type controlResponseFrame struct {
	Type      string                `json:"type"`
	RequestID string                `json:"request_id"`
	Response  controlResponseResult `json:"response"`
}

type controlResponseResult struct {
	Subtype string `json:"subtype"`
	Result  struct {
		Behavior string `json:"behavior"`
	} `json:"result"`
}

type userFrame struct {
	Type    string          `json:"type"`
	Message userFrameMessage `json:"message"`
}

type userFrameMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// subprocessState holds everything StreamTurn/Connect/Disconnect need when
// cfg.Transport is TransportSubprocess. It is nil for HTTP-transport
// clients, so the zero value of Client stays cheap in the common case.
type subprocessState struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

// connectSubprocess checks the configured binary resolves before the pool
// hands this client to a caller; the actual child process is short-lived,
// spawned fresh per StreamTurn call rather than kept running across turns,
// since each turn already carries its own resume token in-band.
func (c *Client) connectSubprocess(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.cfg.Command == "" {
		return fmt.Errorf("agentruntime: subprocess transport requires a command")
	}
	if _, err := exec.LookPath(c.cfg.Command); err != nil {
		return fmt.Errorf("agentruntime: subprocess command %q not found: %w", c.cfg.Command, err)
	}
	return nil
}

// disconnectSubprocess is called with c.mu already held by Disconnect.
func (c *Client) disconnectSubprocess() error {
	if c.sub == nil || c.sub.cmd.Process == nil {
		return nil
	}
	return c.sub.cmd.Process.Kill()
}

// streamTurnSubprocess starts the child process, feeds it one user turn on
// stdin, and translates its stdout frames into StreamMessage values. Tool
// permission requests are auto-allowed: this runtime has no human operator
// attached to the conversation, so there is no one to ask.
func (c *Client) streamTurnSubprocess(ctx context.Context, req TurnRequest) (<-chan StreamMessage, <-chan error) {
	out := make(chan StreamMessage, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)

		cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
		if req.WorkingDir != "" {
			cmd.Dir = req.WorkingDir
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			errCh <- fmt.Errorf("agentruntime: subprocess stdin pipe: %w", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errCh <- fmt.Errorf("agentruntime: subprocess stdout pipe: %w", err)
			return
		}

		if err := cmd.Start(); err != nil {
			errCh <- fmt.Errorf("agentruntime: subprocess start: %w", err)
			return
		}
		c.mu.Lock()
		c.sub = &subprocessState{cmd: cmd}
		c.mu.Unlock()
		defer func() { _ = cmd.Wait() }()

		prompt := req.SystemPrompt
		if req.ResumeSessionID != "" {
			// Resume is carried in-band: the child process itself owns
			// session continuity via its own store, keyed by this ID.
			prompt = fmt.Sprintf("[resume:%s]\n%s", req.ResumeSessionID, prompt)
		}

		line, err := json.Marshal(userFrame{
			Type: "user",
			Message: userFrameMessage{
				Role:    "user",
				Content: joinPromptAndMessage(prompt, req.UserMessage),
			},
		})
		if err != nil {
			errCh <- fmt.Errorf("agentruntime: marshal subprocess frame: %w", err)
			return
		}
		if _, err := stdin.Write(append(line, '\n')); err != nil {
			errCh <- fmt.Errorf("agentruntime: write subprocess stdin: %w", err)
			return
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}

			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				c.log.Sugar().Warnw("agentruntime: skipping malformed subprocess frame", "error", err)
				continue
			}

			switch f.Type {
			case "control_request":
				c.autoApprove(stdin, f)
			case "assistant":
				msg := StreamMessage{Type: KindAssistant, Content: parseContentBlocks(f.Message)}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case "result":
				msg := StreamMessage{
					Type:       KindResult,
					SessionID:  f.SessionID,
					NumTurns:   f.NumTurns,
					DurationMS: f.DurationMS,
					IsError:    f.IsError,
					Result:     f.Result,
				}
				select {
				case out <- msg:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("agentruntime: subprocess stream read error: %w", err)
		}
	}()

	return out, errCh
}

func joinPromptAndMessage(prompt, message string) string {
	if prompt == "" {
		return message
	}
	return prompt + "\n\n" + message
}

func parseContentBlocks(m *frameMessage) []ContentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil && text != "" {
		return []ContentBlock{{Type: ContentText, Text: text}}
	}
	return nil
}

// autoApprove answers a can_use_tool control request with an unconditional
// allow, skipping any handler-registration machinery since this runtime
// always gives the same answer.
func (c *Client) autoApprove(stdin interface{ Write([]byte) (int, error) }, f frame) {
	if f.Request == nil {
		return
	}
	resp := controlResponseFrame{Type: "control_response", RequestID: f.RequestID}
	resp.Response.Subtype = "success"
	resp.Response.Result.Behavior = "allow"
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_, _ = stdin.Write(append(data, '\n'))
}
