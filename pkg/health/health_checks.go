package health

import (
	"context"
	"fmt"
)

// AlwaysHealthy is a liveness check for a process that is running at all.
func AlwaysHealthy(name string) CheckFunc {
	return func(context.Context) Check {
		return Check{Name: name, Status: StatusHealthy}
	}
}

// PingCheck reports unhealthy when ping fails, e.g. a checkpoint store or
// the repository feed.
func PingCheck(name string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{Name: name, Status: StatusHealthy, Message: "reachable"}
		if err := ping(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		}
		return check
	}
}

// LagCheck grades a tracker: unhealthy when it failed, stopped or suspects a
// repository rollback, degraded when more than threshold units remain.
// A threshold <= 0 disables the degraded grade.
func LagCheck(name string, threshold int64, read func() LagReading) CheckFunc {
	return func(context.Context) Check {
		r := read()
		check := Check{
			Name:   name,
			Status: StatusHealthy,
			Details: map[string]any{
				"tx_remaining":       r.Remaining,
				"rollback_suspected": r.RollbackSuspected,
			},
		}

		switch {
		case r.Stopped:
			check.Status = StatusUnhealthy
			check.Message = "tracker stopped"
		case r.RollbackSuspected:
			check.Status = StatusUnhealthy
			check.Message = "repository max id is below the indexed id"
		case r.Failed:
			check.Status = StatusUnhealthy
			check.Message = "tracker failed: " + r.Reason
		case threshold > 0 && r.Remaining > threshold:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d units behind", r.Remaining)
		default:
			check.Message = "in sync"
			if r.Remaining > 0 {
				check.Message = fmt.Sprintf("%d units behind", r.Remaining)
			}
		}
		return check
	}
}
