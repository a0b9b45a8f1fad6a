package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopdm/dmflow/internal/models"
)

// DefaultSendTimeout bounds one delivery attempt to the platform.
const DefaultSendTimeout = 15 * time.Second

// HTTPService delivers plans to a messaging platform's send endpoint.
type HTTPService struct {
	sendURL string
	seenURL string
	token   string
	client  *http.Client
}

// HTTPOption configures an HTTPService.
type HTTPOption func(*HTTPService)

// WithSeenURL sets the endpoint used for read acknowledgements. Without it
// MarkRead is a no-op.
func WithSeenURL(url string) HTTPOption {
	return func(s *HTTPService) { s.seenURL = url }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPService) { s.client = client }
}

// NewHTTPService creates a sender that POSTs outbound plans to sendURL with
// bearer authentication.
func NewHTTPService(sendURL, token string, opts ...HTTPOption) *HTTPService {
	s := &HTTPService{
		sendURL: sendURL,
		token:   token,
		client:  &http.Client{Timeout: DefaultSendTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send implements Service.
func (s *HTTPService) Send(ctx context.Context, plan models.OutboundPlan) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("invalid outbound plan: %w", err)
	}
	if err := s.post(ctx, s.sendURL, plan); err != nil {
		return fmt.Errorf("failed to deliver plan to platform: %w", err)
	}
	slog.Debug("HTTPService.Send: plan delivered", "receiver_id", plan.ReceiverID, "type", plan.Type)
	return nil
}

// MarkRead implements Service.
func (s *HTTPService) MarkRead(ctx context.Context, participantID string) error {
	if s.seenURL == "" {
		return nil
	}
	payload := map[string]string{"participant_id": participantID}
	if err := s.post(ctx, s.seenURL, payload); err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}

func (s *HTTPService) post(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("platform returned status %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
