package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/types"
)

// DescriptorSource mints a fresh session descriptor for the remote
// transport. Each descriptor authorises one negotiation.
type DescriptorSource interface {
	Descriptor(ctx context.Context) (types.SessionDescriptor, error)
}

// DescriptorClient fetches descriptors from the collaborator configured in
// descriptor.url. It is safe for concurrent use.
type DescriptorClient struct {
	url     string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

var _ DescriptorSource = (*DescriptorClient)(nil)

// NewDescriptorClient returns a client for cfg.
func NewDescriptorClient(cfg config.DescriptorConfig) *DescriptorClient {
	return &DescriptorClient{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client:  http.DefaultClient,
	}
}

// descriptorResponse is the collaborator's JSON answer. The client secret is
// nested the way ephemeral-key endpoints return it.
type descriptorResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
	Model             string `json:"model"`
	Voice             string `json:"voice"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
}

// Descriptor POSTs to the collaborator and decodes its answer. A descriptor
// without a client secret is rejected.
func (c *DescriptorClient) Descriptor(ctx context.Context) (types.SessionDescriptor, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return types.SessionDescriptor{}, fmt.Errorf("descriptor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return types.SessionDescriptor{}, fmt.Errorf("descriptor: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.SessionDescriptor{}, fmt.Errorf("descriptor: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var dr descriptorResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return types.SessionDescriptor{}, fmt.Errorf("descriptor: decode: %w", err)
	}

	d := types.SessionDescriptor{
		ID:           dr.ID,
		ClientSecret: dr.ClientSecret.Value,
		Model:        dr.Model,
		Voice:        dr.Voice,
		InputFormat:  dr.InputAudioFormat,
		OutputFormat: dr.OutputAudioFormat,
	}
	if dr.ClientSecret.ExpiresAt > 0 {
		d.ExpiresAt = time.Unix(dr.ClientSecret.ExpiresAt, 0)
	}
	if err := d.Validate(); err != nil {
		return types.SessionDescriptor{}, fmt.Errorf("descriptor: %w", err)
	}
	return d, nil
}
