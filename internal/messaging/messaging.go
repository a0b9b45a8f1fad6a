// Package messaging defines the outbound delivery boundary and the planner
// that shapes reply text into platform payloads.
package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopdm/dmflow/internal/models"
)

// Service delivers outbound plans to the messaging platform. The flow layer
// only ever talks to this interface; platform adapters implement it.
type Service interface {
	Send(ctx context.Context, plan models.OutboundPlan) error
	// MarkRead acknowledges the participant's messages as seen.
	MarkRead(ctx context.Context, participantID string) error
}

// MockService is an in-memory Service for tests and local runs.
type MockService struct {
	mu      sync.Mutex
	sent    []models.OutboundPlan
	read    []string
	sendErr error
}

// NewMockService creates a mock sender.
func NewMockService() *MockService {
	return &MockService{}
}

// FailWith makes every subsequent Send return err.
func (m *MockService) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Send implements Service.
func (m *MockService) Send(ctx context.Context, plan models.OutboundPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, plan)
	slog.Debug("MockService.Send: plan recorded", "receiver_id", plan.ReceiverID, "type", plan.Type)
	return nil
}

// MarkRead implements Service.
func (m *MockService) MarkRead(ctx context.Context, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read = append(m.read, participantID)
	return nil
}

// Sent returns a copy of the delivered plans.
func (m *MockService) Sent() []models.OutboundPlan {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.OutboundPlan, len(m.sent))
	copy(out, m.sent)
	return out
}

// ReadAcks returns the participants acknowledged via MarkRead.
func (m *MockService) ReadAcks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.read))
	copy(out, m.read)
	return out
}
