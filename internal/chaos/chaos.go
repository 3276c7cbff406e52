// Package chaos provides fault injection for relay connections and tunnel
// sessions.
package chaos

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDisconnect drops the connection.
	FaultDisconnect FaultType = iota
	// FaultDelay adds latency to an operation.
	FaultDelay
	// FaultPanic panics inside the operation.
	FaultPanic
	// FaultError makes the operation return ErrInjected.
	FaultError
	// FaultCorrupt replaces a message with undecodable bytes.
	FaultCorrupt

	faultNone FaultType = -1
)

// String returns the fault name.
func (f FaultType) String() string {
	switch f {
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultPanic:
		return "panic"
	case FaultError:
		return "error"
	case FaultCorrupt:
		return "corrupt"
	default:
		return "none"
	}
}

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("chaos: injected fault")

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides, per operation, whether to inject a fault.
type FaultInjector struct {
	mu        sync.Mutex
	configs   []FaultConfig
	enabled   bool
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates an enabled injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	seed := uint64(time.Now().UnixNano())
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewPCG(seed, seed>>1)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// pick returns the first config that fires, checked in order.
func (f *FaultInjector) pick(only ...FaultType) (FaultConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultConfig{}, false
	}
	for _, c := range f.configs {
		if len(only) > 0 && !contains(only, c.Type) {
			continue
		}
		if f.rng.Float64() < c.Probability {
			f.faultHits[c.Type]++
			return c, true
		}
	}
	return FaultConfig{}, false
}

func contains(types []FaultType, t FaultType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// MaybeInject returns the fault to inject, or -1 for none.
func (f *FaultInjector) MaybeInject() FaultType {
	c, ok := f.pick()
	if !ok {
		return faultNone
	}
	return c.Type
}

// MaybeDisconnect returns true if a disconnect fault should be injected.
func (f *FaultInjector) MaybeDisconnect() bool {
	_, ok := f.pick(FaultDisconnect)
	return ok
}

// MaybeDelay returns a delay if a delay fault should be injected.
func (f *FaultInjector) MaybeDelay() time.Duration {
	c, ok := f.pick(FaultDelay)
	if !ok {
		return 0
	}
	return f.randomDelay(c.MinDelay, c.MaxDelay)
}

// MaybePanic panics if a panic fault should be injected.
func (f *FaultInjector) MaybePanic() {
	if _, ok := f.pick(FaultPanic); ok {
		panic("chaos: injected panic")
	}
}

// MaybeError returns ErrInjected if an error fault should be injected.
func (f *FaultInjector) MaybeError() error {
	if _, ok := f.pick(FaultError); ok {
		return ErrInjected
	}
	return nil
}

// MaybeCorrupt returns true if a message should be corrupted.
func (f *FaultInjector) MaybeCorrupt() bool {
	_, ok := f.pick(FaultCorrupt)
	return ok
}

// GetStats returns how often each fault fired.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset clears the statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return min + time.Duration(f.rng.Int64N(int64(max-min)))
}

// Target is something the ChaosMonkey can kill.
type Target interface {
	ID() string
	Kill() error
	IsAlive() bool
}

// Event records one action taken by the ChaosMonkey.
type Event struct {
	Time     time.Time
	TargetID string
	Action   string
	Success  bool
	Error    error
}

// ChaosMonkey periodically kills a random live target when its injector
// fires a disconnect fault. Dead targets are dropped.
type ChaosMonkey struct {
	interval time.Duration
	injector *FaultInjector

	mu      sync.Mutex
	targets []Target
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	eventChan chan Event
}

// NewChaosMonkey creates a new chaos monkey.
func NewChaosMonkey(interval time.Duration, injector *FaultInjector) *ChaosMonkey {
	return &ChaosMonkey{
		interval:  interval,
		injector:  injector,
		eventChan: make(chan Event, 100),
	}
}

// AddTarget adds a target.
func (c *ChaosMonkey) AddTarget(target Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, target)
}

// RemoveTarget removes a target by id.
func (c *ChaosMonkey) RemoveTarget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.targets {
		if t.ID() == id {
			c.targets = append(c.targets[:i], c.targets[i+1:]...)
			return
		}
	}
}

// Targets returns the number of tracked targets.
func (c *ChaosMonkey) Targets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.targets)
}

// Start starts the chaos monkey.
func (c *ChaosMonkey) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
}

// Stop stops the chaos monkey and waits for it to exit.
func (c *ChaosMonkey) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
}

// Events returns a channel that receives chaos events.
func (c *ChaosMonkey) Events() <-chan Event {
	return c.eventChan
}

func (c *ChaosMonkey) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *ChaosMonkey) tick() {
	c.mu.Lock()
	live := c.targets[:0]
	for _, t := range c.targets {
		if t.IsAlive() {
			live = append(live, t)
		}
	}
	c.targets = live
	targets := append([]Target(nil), live...)
	c.mu.Unlock()

	if len(targets) == 0 || !c.injector.MaybeDisconnect() {
		return
	}

	target := targets[rand.IntN(len(targets))]
	err := target.Kill()
	c.sendEvent(Event{
		Time:     time.Now(),
		TargetID: target.ID(),
		Action:   "kill",
		Success:  err == nil,
		Error:    err,
	})
}

func (c *ChaosMonkey) sendEvent(event Event) {
	select {
	case c.eventChan <- event:
	default:
	}
}
