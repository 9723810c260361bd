// Package platform talks to the workspace backend that owns everything
// outside the sync engine: token verification, access control, the snapshot
// blob store and the cross-document reference registry.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"collabsync/internal/models"
)

var (
	// ErrNotFound maps a 404 from the snapshot store.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized maps a 401/403 from verify or access endpoints.
	ErrUnauthorized = errors.New("unauthorized")
)

type Client struct {
	BaseURL      string
	ServiceToken string
	client       *http.Client
}

func NewClient(baseURL, serviceToken string) *Client {
	return &Client{
		BaseURL:      baseURL,
		ServiceToken: serviceToken,
		client:       &http.Client{},
	}
}

// Identity is the verified owner of a bearer token.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type verifyRequest struct {
	Token  string `json:"token"`
	RoomID string `json:"roomId"`
}

// Verify resolves a bearer token against the room it wants to join.
func (c *Client) Verify(ctx context.Context, token, roomID string) (*Identity, error) {
	var identity Identity
	err := c.postJSON(ctx, "/internal/auth/verify", verifyRequest{Token: token, RoomID: roomID}, &identity)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

type accessResponse struct {
	HasAccess bool `json:"hasAccess"`
}

// CheckAccess asks whether the user may still be in the room.
func (c *Client) CheckAccess(ctx context.Context, roomID, userID string) (bool, error) {
	var resp accessResponse
	path := fmt.Sprintf("/internal/rooms/%s/access/%s", url.PathEscape(roomID), url.PathEscape(userID))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return false, err
	}
	return resp.HasAccess, nil
}

// LoadSnapshot fetches the latest binary snapshot for a room.
// Returns ErrNotFound when the room has never been saved.
func (c *Client) LoadSnapshot(ctx context.Context, roomID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.BaseURL+"/internal/rooms/"+url.PathEscape(roomID)+"/snapshot", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.ServiceToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("snapshot load failed with status %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// SaveSnapshot overwrites the latest snapshot for a room.
func (c *Client) SaveSnapshot(ctx context.Context, roomID string, snapshot []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST",
		c.BaseURL+"/internal/rooms/"+url.PathEscape(roomID)+"/snapshot", bytes.NewReader(snapshot))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+c.ServiceToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("snapshot save failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// GetTrackedReferences lists the cell/range references other documents hold
// into this room.
func (c *Client) GetTrackedReferences(ctx context.Context, roomID string) ([]models.TrackedReference, error) {
	var refs []models.TrackedReference
	path := "/internal/rooms/" + url.PathEscape(roomID) + "/references"
	if err := c.getJSON(ctx, path, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// PushReferenceValues publishes freshly extracted reference values.
func (c *Client) PushReferenceValues(ctx context.Context, roomID string, values []models.ReferenceValues) error {
	path := "/internal/rooms/" + url.PathEscape(roomID) + "/references/values"
	return c.postJSON(ctx, path, values, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.ServiceToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.ServiceToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
