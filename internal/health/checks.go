package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// circuitOpen is gobreaker's numeric open state.
const circuitOpen = 2

// DispatcherCheck reports unhealthy once stopped returns true.
func DispatcherCheck(stopped func() bool) CheckFunc {
	return func(context.Context) Check {
		if stopped() {
			return Check{Status: StatusUnhealthy, Message: "dispatcher stopped"}
		}
		return Check{Status: StatusHealthy}
	}
}

// CircuitCheck reports degraded while the backend circuit breaker is
// open. state returns gobreaker's numeric state.
func CircuitCheck(state func() int) CheckFunc {
	return func(context.Context) Check {
		if state() == circuitOpen {
			return Check{Status: StatusDegraded, Message: "backend circuit open"}
		}
		return Check{Status: StatusHealthy}
	}
}

// TCPCheck reports degraded when address does not accept a TCP
// connection within timeout. An unreachable backend leaves the proxy
// able to answer, so it never reports unhealthy.
func TCPCheck(address string, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return Check{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("backend unreachable: %v", err),
			}
		}
		_ = conn.Close()
		return Check{Status: StatusHealthy}
	}
}
