package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbprobe/client"
)

// Client talks to an API served by a running probe.
type Client struct {
	BaseURL  string
	Password string
	HTTP     *http.Client
}

// NewClient returns a client for the API at addr.
func NewClient(addr, password string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{BaseURL: strings.TrimSuffix(addr, "/"), Password: password, HTTP: http.DefaultClient}
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Password != "" {
		req.SetBasicAuth("", c.Password)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Connections lists the connections of the probe.
func (c *Client) Connections(ctx context.Context) (infos []ConnectionInfo, err error) {
	err = c.get(ctx, "/connections", &infos)
	return
}

// Credits returns the credit counters of connection id.
func (c *Client) Credits(ctx context.Context, id int) (st client.CreditStats, err error) {
	err = c.get(ctx, fmt.Sprintf("/connections/%d/credits", id), &st)
	return
}

// Sessions lists the sessions of the probe.
func (c *Client) Sessions(ctx context.Context) (infos []SessionInfo, err error) {
	err = c.get(ctx, "/sessions", &infos)
	return
}

// Handles lists the opens of every session.
func (c *Client) Handles(ctx context.Context) (infos []HandleInfo, err error) {
	err = c.get(ctx, "/handles", &infos)
	return
}

// Journal lists the durable handles recorded for clientGUID.
func (c *Client) Journal(ctx context.Context, clientGUID [16]byte) (handles []client.DurableHandle, err error) {
	err = c.get(ctx, "/journal/"+uuid.UUID(clientGUID).String(), &handles)
	return
}
