package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shopdm/dmflow/internal/models"
	"github.com/shopdm/dmflow/internal/store"
)

// Router settings.
const (
	// healthWindow is how many recent call records feed the health score.
	healthWindow = 20
	// maxAttempts bounds provider calls per generation cycle.
	maxAttempts = 2
	// breakerCooldown is how long an open breaker stays open.
	breakerCooldown = 30 * time.Second
	// breakerTripThreshold is the consecutive failure count that opens a breaker.
	breakerTripThreshold = 3
	// latencyPenaltyCap bounds how much slow responses can drag a health score.
	latencyPenaltyCap = 0.2
	// latencyPenaltyScale converts median latency to a score penalty.
	latencyPenaltyScale = 10000.0
	// neutralScore is assumed for a provider with no call history.
	neutralScore = 0.75
)

// Router selects between two generation providers, records per-attempt
// outcomes, and fails over when the preferred provider is unhealthy.
type Router struct {
	primary   Client
	secondary Client
	records   store.CallRecordRepo
	breakers  map[string]*gobreaker.CircuitBreaker
	timeout   time.Duration
	now       func() time.Time
}

// NewRouter creates a router over the two providers. primary is provider A
// and secondary is provider B; in hybrid mode the order is decided by
// recent health instead.
func NewRouter(primary, secondary Client, records store.CallRecordRepo, timeout time.Duration) *Router {
	r := &Router{
		primary:   primary,
		secondary: secondary,
		records:   records,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		timeout:   timeout,
		now:       time.Now,
	}
	for _, c := range []Client{primary, secondary} {
		if c == nil {
			continue
		}
		r.breakers[c.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    c.Name(),
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTripThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Router: provider breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return r
}

// Generate runs a generation cycle against the ordered providers. Every
// attempt is recorded, successful or not. When all attempts fail the caller
// receives ErrGenerationUnavailable.
func (r *Router) Generate(ctx context.Context, conversationID string, mode models.ConversationMode, system string, turns []Turn) (*Result, string, error) {
	clients := r.order(mode)
	if len(clients) == 0 {
		return nil, "", models.ErrGenerationUnavailable
	}

	attempt := 0
	var lastErr error
	for _, client := range clients {
		if attempt >= maxAttempts {
			break
		}
		breaker := r.breakers[client.Name()]
		if breaker != nil && breaker.State() == gobreaker.StateOpen {
			slog.Debug("Router.Generate: skipping provider with open breaker", "provider", client.Name())
			continue
		}
		attempt++

		res, err := r.attempt(ctx, conversationID, client, breaker, attempt, system, turns)
		if err == nil {
			return res, client.Name(), nil
		}
		lastErr = err
		slog.Warn("Router.Generate: provider attempt failed",
			"provider", client.Name(), "attempt", attempt, "error", err)
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: %v", models.ErrGenerationUnavailable, lastErr)
	}
	return nil, "", models.ErrGenerationUnavailable
}

func (r *Router) attempt(ctx context.Context, conversationID string, client Client, breaker *gobreaker.CircuitBreaker, attempt int, system string, turns []Turn) (*Result, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := r.now()
	call := func() (interface{}, error) {
		return client.Generate(callCtx, system, turns)
	}
	var raw interface{}
	var err error
	if breaker != nil {
		raw, err = breaker.Execute(call)
	} else {
		raw, err = call()
	}
	latency := r.now().Sub(start).Milliseconds()

	record := models.ProviderCallRecord{
		ConversationID: conversationID,
		Provider:       client.Name(),
		LatencyMS:      latency,
		Attempt:        attempt,
		Outcome:        models.CallOK,
		CreatedAt:      r.now().UTC(),
	}
	if err != nil {
		record.Outcome = models.CallError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			record.Outcome = models.CallTimeout
		}
	}

	var res *Result
	if err == nil {
		res = raw.(*Result)
		record.TokensIn = res.TokensIn
		record.TokensOut = res.TokensOut
	}
	if recErr := r.records.AddCallRecord(record); recErr != nil {
		slog.Error("Router.attempt failed to record call", "provider", client.Name(), "error", recErr)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// order returns the providers in preference order for the given mode.
func (r *Router) order(mode models.ConversationMode) []Client {
	switch mode {
	case models.ModeProviderA:
		return compact(r.primary, r.secondary)
	case models.ModeProviderB:
		return compact(r.secondary, r.primary)
	}
	// Hybrid: prefer the healthier provider by recent call history.
	clients := compact(r.primary, r.secondary)
	sort.SliceStable(clients, func(i, j int) bool {
		return r.score(clients[i]) > r.score(clients[j])
	})
	return clients
}

func (r *Router) score(client Client) float64 {
	records, err := r.records.RecentCallRecords(client.Name(), healthWindow)
	if err != nil {
		slog.Error("Router.score failed to load call records", "provider", client.Name(), "error", err)
		return neutralScore
	}
	return HealthScore(records)
}

// HealthScore summarizes recent call records into a [0,1] health value:
// the success rate, minus a capped penalty for high median latency.
// Providers with no history sit at a neutral score so a fresh process does
// not pin traffic to one side.
func HealthScore(records []models.ProviderCallRecord) float64 {
	if len(records) == 0 {
		return neutralScore
	}
	var ok int
	latencies := make([]int64, 0, len(records))
	for _, rec := range records {
		if rec.Outcome == models.CallOK {
			ok++
		}
		latencies = append(latencies, rec.LatencyMS)
	}
	successRate := float64(ok) / float64(len(records))

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	median := float64(latencies[len(latencies)/2])
	penalty := median / latencyPenaltyScale
	if penalty > latencyPenaltyCap {
		penalty = latencyPenaltyCap
	}

	score := successRate - penalty
	if score < 0 {
		return 0
	}
	return score
}

func compact(clients ...Client) []Client {
	out := make([]Client, 0, len(clients))
	for _, c := range clients {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}
