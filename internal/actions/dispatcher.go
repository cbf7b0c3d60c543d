package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hivedesk/assistant/internal/events"
	"github.com/hivedesk/assistant/internal/llm"
	"github.com/hivedesk/assistant/internal/metrics"
)

// Dispatcher executes model-issued tool calls against the registry. It
// never lets an action's panic or error escape into the agent loop:
// every call produces exactly one tool result, failures included. A call
// ID is executed at most once — a retried model turn that redelivers an
// ID gets the original result back.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *metrics.Collector

	mu   sync.Mutex
	done map[string]llm.ToolResult
}

// NewDispatcher creates a dispatcher over the given registry. Bus and
// metrics may be nil.
func NewDispatcher(registry *Registry, logger *slog.Logger, bus *events.Bus, m *metrics.Collector) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger,
		bus:      bus,
		metrics:  m,
		done:     make(map[string]llm.ToolResult),
	}
}

// ExecuteAll runs all of one model turn's calls concurrently and returns
// their results in call order, correlated by ID. Calls within a turn are
// independent external side effects, so they run in parallel; the method
// returns only when the whole batch has completed.
func (d *Dispatcher) ExecuteAll(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))

	// Resolve duplicates and replays up front so no ID executes twice,
	// even when the same ID appears twice in one batch.
	pending := make([]int, 0, len(calls))
	dupOf := make(map[int]int)
	firstIdx := make(map[string]int)
	d.mu.Lock()
	for i, call := range calls {
		if prev, ok := d.done[call.ID]; ok {
			results[i] = prev
			continue
		}
		if first, ok := firstIdx[call.ID]; ok {
			dupOf[i] = first
			continue
		}
		firstIdx[call.ID] = i
		pending = append(pending, i)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, i := range pending {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.execute(ctx, calls[i])
		}(i)
	}
	wg.Wait()

	// Fill duplicate slots and remember completed IDs.
	d.mu.Lock()
	for i, first := range dupOf {
		results[i] = results[first]
	}
	for i, call := range calls {
		d.done[call.ID] = results[i]
	}
	d.mu.Unlock()

	return results
}

// execute runs a single call, converting every failure mode into a tool
// result the model can adapt to.
func (d *Dispatcher) execute(ctx context.Context, call llm.ToolCall) (result llm.ToolResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("action panicked", "tool", call.Name, "panic", r)
			result = llm.Fail(call, fmt.Sprintf("action %s panicked: %v", call.Name, r))
		}
		d.metrics.ToolExecuted(call.Name, result.OK)
		d.bus.Publish(events.KindToolDone, map[string]any{
			"call_id":     call.ID,
			"tool":        call.Name,
			"ok":          result.OK,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}()

	d.bus.Publish(events.KindToolCall, map[string]any{
		"call_id": call.ID,
		"tool":    call.Name,
	})

	action := d.registry.Get(call.Name)
	if action == nil {
		// Unknown names stay inside the loop: the model learns from the
		// failure result and can rephrase.
		d.logger.Warn("unknown tool requested", "tool", call.Name)
		return llm.Fail(call, fmt.Sprintf("unknown tool: %s", call.Name))
	}

	data, err := action.Handler(ctx, call.Args)
	if err != nil {
		d.logger.Warn("action failed", "tool", call.Name, "error", err)
		return llm.Fail(call, err.Error())
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return llm.Fail(call, fmt.Sprintf("encode %s result: %v", call.Name, err))
	}

	d.logger.Debug("action executed", "tool", call.Name,
		"duration_ms", time.Since(start).Milliseconds())
	return llm.Succeed(call, payload)
}
