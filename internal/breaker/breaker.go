// Package breaker implements resource-based admission control. A node
// consults its breaker Set before accepting new ML work.
package breaker

import (
	"errors"
	"fmt"
	"sync"
)

// Breaker names registered by NewDefaultSet.
const (
	MemoryBreakerName       = "memory"
	NativeMemoryBreakerName = "native_memory"
	DiskBreakerName         = "disk"
)

// ErrCircuitBreakerOpen is returned when a node refuses work.
var ErrCircuitBreakerOpen = errors.New("circuit breaker open")

// OpenError names the breaker that refused admission.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s circuit breaker is open, please check your resources", e.Name)
}

func (e *OpenError) Unwrap() error { return ErrCircuitBreakerOpen }

// Breaker is a named admission gate that compares a sampled resource
// metric against a live threshold.
type Breaker interface {
	Name() string
	// Threshold returns the threshold current at call time.
	Threshold() float64
	// Sample reads the underlying resource metric.
	Sample() (float64, error)
	IsOpen() bool
}

// Set is an ordered breaker registry. CheckOpen evaluates breakers in
// registration order, so cheaper checks should be registered first.
type Set struct {
	mu       sync.RWMutex
	order    []string
	breakers map[string]Breaker
}

// NewSet creates an empty breaker set.
func NewSet() *Set {
	return &Set{
		breakers: make(map[string]Breaker),
	}
}

// Register adds b under name. Re-registering a name replaces the breaker
// and keeps its original position.
func (s *Set) Register(name string, b Breaker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.breakers[name]; !exists {
		s.order = append(s.order, name)
	}
	s.breakers[name] = b
}

// Unregister removes the breaker registered under name.
func (s *Set) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.breakers[name]; !exists {
		return
	}
	delete(s.breakers, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Get returns the breaker registered under name, or nil.
func (s *Set) Get(name string) Breaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.breakers[name]
}

// Names returns breaker names in registration order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// CheckOpen returns the first open breaker in registration order, or nil.
func (s *Set) CheckOpen() Breaker {
	s.mu.RLock()
	list := make([]Breaker, 0, len(s.order))
	for _, name := range s.order {
		list = append(list, s.breakers[name])
	}
	s.mu.RUnlock()

	for _, b := range list {
		if b.IsOpen() {
			return b
		}
	}
	return nil
}

// Admit returns an *OpenError when any breaker is open.
func (s *Set) Admit() error {
	if b := s.CheckOpen(); b != nil {
		return &OpenError{Name: b.Name()}
	}
	return nil
}
