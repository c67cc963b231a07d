package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"project-mirage/internal/model"
)

// Client talks to the control server of an already-running instance.
type Client struct {
	base string
	http *http.Client
}

func NewClient(port int) *Client {
	return &Client{
		base: fmt.Sprintf("http://127.0.0.1:%d", port),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Probe reports whether another instance owns the RPC port.
func Probe(port int) bool {
	c := &http.Client{Timeout: probeTimeout}
	resp, err := c.Get(fmt.Sprintf("http://127.0.0.1:%d/v1/ping", port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Execute runs one safelisted command on the owning instance and returns its
// rendered output.
func (c *Client) Execute(name string, args map[string]string) (string, error) {
	body, err := json.Marshal(ExecuteRequest{Command: name, Args: args})
	if err != nil {
		return "", err
	}
	resp, err := c.http.Post(c.base+"/v1/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("control server unreachable: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("remote command failed: %s", bytes.TrimSpace(payload))
	}
	var out ExecuteResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("malformed control response: %w", err)
	}
	return out.Output, nil
}

// Status fetches the owner's queue counters.
func (c *Client) Status() (model.QueueStatus, error) {
	var status model.QueueStatus
	resp, err := c.http.Get(c.base + "/v1/status")
	if err != nil {
		return status, fmt.Errorf("control server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("status request failed: %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	return status, err
}
