package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
)

func gatewayFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "gateway",
		Usage: "Gateway base URL (default from config)",
	}
}

// gatewayURL returns the HTTP base URL of the gateway. A ws:// URL of the
// WebSocket endpoint is accepted too.
func gatewayURL(cmd *cli.Command) (string, error) {
	if v := cmd.String("gateway"); v != "" {
		v = strings.TrimSuffix(strings.TrimSuffix(v, "/"), "/api/ws")
		switch {
		case strings.HasPrefix(v, "ws://"):
			v = "http://" + strings.TrimPrefix(v, "ws://")
		case strings.HasPrefix(v, "wss://"):
			v = "https://" + strings.TrimPrefix(v, "wss://")
		}
		return v, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Gateway.Addr(), nil
}

// wsURL maps an http(s) base URL to the gateway WebSocket endpoint.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/api/ws"
	default:
		return "ws://" + strings.TrimPrefix(base, "http://") + "/api/ws"
	}
}

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(cmd *cli.Command) (*apiClient, error) {
	base, err := gatewayURL(cmd)
	if err != nil {
		return nil, err
	}
	return &apiClient{base: base, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
