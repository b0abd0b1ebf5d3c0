package wework

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// apiClient is a minimal REST client for the send/get-user-info surface;
// it has no media-upload call. Access-token fetch is lazily cached and
// refreshed on expiry.
type apiClient struct {
	corpID     string
	corpSecret string
	agentID    int
	baseURL    string
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func newAPIClient(corpID, corpSecret string, agentID int, baseURL string) *apiClient {
	if baseURL == "" {
		baseURL = "https://qyapi.weixin.qq.com/cgi-bin"
	}
	return &apiClient{corpID: corpID, corpSecret: corpSecret, agentID: agentID, baseURL: baseURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

type apiError struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (e apiError) Error() string { return fmt.Sprintf("wework api error %d: %s", e.ErrCode, e.ErrMsg) }

func (c *apiClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	url := fmt.Sprintf("%s/gettoken?corpid=%s&corpsecret=%s", c.baseURL, c.corpID, c.corpSecret)
	var resp struct {
		apiError
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return "", err
	}
	if resp.ErrCode != 0 {
		return "", resp.apiError
	}
	c.accessToken = resp.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn-60) * time.Second)
	return c.accessToken, nil
}

func (c *apiClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s?access_token=%s", c.baseURL, path, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) sendText(ctx context.Context, toUser, content string) error {
	body := map[string]interface{}{
		"touser":  toUser,
		"msgtype": "text",
		"agentid": c.agentID,
		"text":    map[string]string{"content": content},
	}
	var resp apiError
	if err := c.postJSON(ctx, "message/send", body, &resp); err != nil {
		return err
	}
	if resp.ErrCode != 0 {
		return resp
	}
	return nil
}

func (c *apiClient) sendMarkdown(ctx context.Context, toUser, content string) error {
	body := map[string]interface{}{
		"touser":   toUser,
		"msgtype":  "markdown",
		"agentid":  c.agentID,
		"markdown": map[string]string{"content": content},
	}
	var resp apiError
	if err := c.postJSON(ctx, "message/send", body, &resp); err != nil {
		return err
	}
	if resp.ErrCode != 0 {
		return resp
	}
	return nil
}

func (c *apiClient) sendMedia(ctx context.Context, toUser, kind, mediaID string) error {
	body := map[string]interface{}{
		"touser":  toUser,
		"msgtype": kind,
		"agentid": c.agentID,
		kind:      map[string]string{"media_id": mediaID},
	}
	var resp apiError
	if err := c.postJSON(ctx, "message/send", body, &resp); err != nil {
		return err
	}
	if resp.ErrCode != 0 {
		return resp
	}
	return nil
}

func (c *apiClient) getUserInfo(ctx context.Context, userID string) (name, department string, err error) {
	token, err := c.token(ctx)
	if err != nil {
		return "", "", err
	}
	var resp struct {
		apiError
		Name       string `json:"name"`
		Department []int  `json:"department"`
	}
	url := fmt.Sprintf("%s/user/get?access_token=%s&userid=%s", c.baseURL, token, userID)
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return "", "", err
	}
	if resp.ErrCode != 0 {
		return "", "", resp.apiError
	}
	dept := ""
	if len(resp.Department) > 0 {
		dept = fmt.Sprintf("%d", resp.Department[0])
	}
	return resp.Name, dept, nil
}
