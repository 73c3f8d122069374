package ddi

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

	"go.uber.org/zap"
)

// Client talks to the root controller resource of a DDI server on behalf
// of simulated devices.
type Client struct {
	baseURL      string
	gatewayToken string
	http         *http.Client
	logger       *zap.Logger
}

func NewClient(baseURL, gatewayToken string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		gatewayToken: gatewayToken,
		http:         &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) controllerURL(tenant, controllerID string, parts ...string) string {
	u := fmt.Sprintf("%s/%s/controller/v1/%s", c.baseURL, url.PathEscape(tenant), url.PathEscape(controllerID))
	if len(parts) > 0 {
		u += "/" + strings.Join(parts, "/")
	}
	return u
}

// GetControllerBase polls the root resource of a controller.
func (c *Client) GetControllerBase(ctx context.Context, tenant, controllerID string) (*ControllerBase, error) {
	var base ControllerBase
	if err := c.do(ctx, http.MethodGet, c.controllerURL(tenant, controllerID), nil, &base); err != nil {
		return nil, fmt.Errorf("failed to get controller base: %w", err)
	}
	return &base, nil
}

// GetDeploymentAction fetches the deployment of an action.
func (c *Client) GetDeploymentAction(ctx context.Context, tenant, controllerID string, actionID uint64) (*DeploymentBase, error) {
	u := c.controllerURL(tenant, controllerID, LinkDeploymentBase, fmt.Sprint(actionID))
	var dep DeploymentBase
	if err := c.do(ctx, http.MethodGet, u, nil, &dep); err != nil {
		return nil, fmt.Errorf("failed to get deployment action %d: %w", actionID, err)
	}
	return &dep, nil
}

func (c *Client) PostDeploymentFeedback(ctx context.Context, tenant, controllerID string, actionID uint64, feedback ActionFeedback) error {
	u := c.controllerURL(tenant, controllerID, LinkDeploymentBase, fmt.Sprint(actionID), "feedback")
	if err := c.do(ctx, http.MethodPost, u, feedback, nil); err != nil {
		return fmt.Errorf("failed to post deployment feedback for action %d: %w", actionID, err)
	}
	return nil
}

func (c *Client) PostConfirmationFeedback(ctx context.Context, tenant, controllerID string, actionID uint64, feedback ConfirmationFeedback) error {
	u := c.controllerURL(tenant, controllerID, LinkConfirmationBase, fmt.Sprint(actionID), "feedback")
	if err := c.do(ctx, http.MethodPost, u, feedback, nil); err != nil {
		return fmt.Errorf("failed to post confirmation feedback for action %d: %w", actionID, err)
	}
	return nil
}

func (c *Client) PutConfigData(ctx context.Context, tenant, controllerID string, data ConfigData) error {
	if err := c.do(ctx, http.MethodPut, c.controllerURL(tenant, controllerID, LinkConfigData), data, nil); err != nil {
		return fmt.Errorf("failed to put config data: %w", err)
	}
	return nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.URL, e.Code)
}

func (c *Client) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/hal+json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.gatewayToken != "" {
		req.Header.Set("Authorization", "GatewayToken "+c.gatewayToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Method: method, URL: u, Code: resp.StatusCode}
	}

	c.logger.Debug("DDI request completed",
		zap.String("method", method),
		zap.String("url", u),
		zap.Int("status", resp.StatusCode))

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
