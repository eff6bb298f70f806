// Package events implements the Notifier fan-out described in §6: delivery
// to subscribers must never block pipeline progression, and a failing or
// slow subscriber must not affect others.
package events

import (
	"sync"

	"github.com/cuemby/warrendeploy/pkg/log"
	"github.com/cuemby/warrendeploy/pkg/types"
)

// Notifier is the outbound interface a host implements to observe pipeline
// progress. Implementations MUST NOT block; the broker already isolates
// slow subscribers, but a single direct Notifier used without the broker
// should still return quickly.
type Notifier interface {
	OnStateChange(state types.PipelineExecutionState)
	OnStageComplete(executionID string, stage types.StageResult)
	OnProgress(executionID string, fraction float64, message string)
}

// Broker fans events out to any number of subscribed Notifiers without
// letting a slow or panicking subscriber affect the pipeline or its peers.
type Broker struct {
	mu        sync.RWMutex
	notifiers map[int]Notifier
	nextID    int
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{notifiers: make(map[int]Notifier)}
}

// Subscribe registers a Notifier and returns a token usable with Unsubscribe.
func (b *Broker) Subscribe(n Notifier) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.notifiers[id] = n
	return id
}

// Unsubscribe removes a previously subscribed Notifier.
func (b *Broker) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.notifiers, id)
}

func (b *Broker) snapshot() []Notifier {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Notifier, 0, len(b.notifiers))
	for _, n := range b.notifiers {
		out = append(out, n)
	}
	return out
}

// guard runs fn, converting a panic into a logged-and-swallowed failure so
// one bad Notifier can never alter the pipeline outcome (§7 propagation
// policy: "Notifier and AuditSink failures are isolated").
func guard(component string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("notifier").Warn().
				Str("notifier", component).
				Interface("panic", r).
				Msg("notifier callback panicked, delivery dropped")
		}
	}()
	fn()
}

// OnStateChange delivers a state-change event to every subscriber, each on
// its own goroutine so a blocked subscriber cannot stall the others or the
// caller.
func (b *Broker) OnStateChange(state types.PipelineExecutionState) {
	for _, n := range b.snapshot() {
		n := n
		go guard("OnStateChange", func() { n.OnStateChange(state) })
	}
}

// OnStageComplete delivers a stage-completion event to every subscriber.
func (b *Broker) OnStageComplete(executionID string, stage types.StageResult) {
	for _, n := range b.snapshot() {
		n := n
		go guard("OnStageComplete", func() { n.OnStageComplete(executionID, stage) })
	}
}

// OnProgress delivers a progress fraction/message to every subscriber.
func (b *Broker) OnProgress(executionID string, fraction float64, message string) {
	for _, n := range b.snapshot() {
		n := n
		go guard("OnProgress", func() { n.OnProgress(executionID, fraction, message) })
	}
}

var _ Notifier = (*Broker)(nil)
