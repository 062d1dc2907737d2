package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerService wraps the three call types the judging
// pipeline depends on that can fail transiently: the broker
// connection (C1), the Docker daemon client (C4), and the persistence
// adapter (C7).
type CircuitBreakerService struct {
	brokerBreaker   *gobreaker.CircuitBreaker
	dockerBreaker   *gobreaker.CircuitBreaker
	databaseBreaker *gobreaker.CircuitBreaker
}

type CircuitBreakerResult struct {
	Success bool
	Error   error
	State   gobreaker.State
}

func defaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("circuit breaker %q changed from %s to %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	}
}

func NewCircuitBreakerService() *CircuitBreakerService {
	return &CircuitBreakerService{
		brokerBreaker:   gobreaker.NewCircuitBreaker(defaultBreakerSettings("broker")),
		dockerBreaker:   gobreaker.NewCircuitBreaker(defaultBreakerSettings("docker")),
		databaseBreaker: gobreaker.NewCircuitBreaker(defaultBreakerSettings("database")),
	}
}

func (cbs *CircuitBreakerService) ExecuteBrokerOperation(ctx context.Context, operation func() error) *CircuitBreakerResult {
	_, err := cbs.brokerBreaker.Execute(func() (interface{}, error) {
		return nil, operation()
	})
	return &CircuitBreakerResult{Success: err == nil, Error: err, State: cbs.brokerBreaker.State()}
}

func (cbs *CircuitBreakerService) ExecuteDockerOperation(ctx context.Context, operation func() error) *CircuitBreakerResult {
	_, err := cbs.dockerBreaker.Execute(func() (interface{}, error) {
		return nil, operation()
	})
	return &CircuitBreakerResult{Success: err == nil, Error: err, State: cbs.dockerBreaker.State()}
}

func (cbs *CircuitBreakerService) ExecuteDatabaseOperation(ctx context.Context, operation func() error) *CircuitBreakerResult {
	_, err := cbs.databaseBreaker.Execute(func() (interface{}, error) {
		return nil, operation()
	})
	return &CircuitBreakerResult{Success: err == nil, Error: err, State: cbs.databaseBreaker.State()}
}

func (cbs *CircuitBreakerService) GetStates() map[string]gobreaker.State {
	return map[string]gobreaker.State{
		"broker":   cbs.brokerBreaker.State(),
		"docker":   cbs.dockerBreaker.State(),
		"database": cbs.databaseBreaker.State(),
	}
}

func (cbs *CircuitBreakerService) IsHealthy() bool {
	for _, state := range cbs.GetStates() {
		if state == gobreaker.StateOpen {
			return false
		}
	}
	return true
}

// Reset rebuilds the named breaker; gobreaker has no in-place reset.
func (cbs *CircuitBreakerService) Reset(name string) error {
	switch name {
	case "broker":
		cbs.brokerBreaker = gobreaker.NewCircuitBreaker(defaultBreakerSettings("broker"))
	case "docker":
		cbs.dockerBreaker = gobreaker.NewCircuitBreaker(defaultBreakerSettings("docker"))
	case "database":
		cbs.databaseBreaker = gobreaker.NewCircuitBreaker(defaultBreakerSettings("database"))
	default:
		return fmt.Errorf("unknown circuit breaker: %s", name)
	}
	return nil
}

func (cbs *CircuitBreakerService) GetCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	switch name {
	case "broker":
		return cbs.brokerBreaker
	case "docker":
		return cbs.dockerBreaker
	case "database":
		return cbs.databaseBreaker
	default:
		return gobreaker.NewCircuitBreaker(defaultBreakerSettings(name))
	}
}
