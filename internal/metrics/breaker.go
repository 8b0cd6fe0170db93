package metrics

import (
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerStateChanged обновляет gauge состояния circuit breaker
func BreakerStateChanged(name string, to gobreaker.State) {
	var value float64
	switch to {
	case gobreaker.StateHalfOpen:
		value = 1
	case gobreaker.StateOpen:
		value = 2
	}
	CircuitBreakerState.WithLabelValues(name).Set(value)
}
