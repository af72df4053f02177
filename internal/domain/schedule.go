package domain

import (
	"time"

	"github.com/google/uuid"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	default:
		return false
	}
}

// Next returns the execution time one frequency unit after from.
func (f Frequency) Next(from time.Time) time.Time {
	switch f {
	case FrequencyDaily:
		return from.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return from.AddDate(0, 1, 0)
	case FrequencyYearly:
		return from.AddDate(1, 0, 0)
	default:
		return from
	}
}

// MaxConsecutiveFailures is the point at which a schedule is deactivated
// instead of retried.
const MaxConsecutiveFailures = 3

// retryDelays is the backoff ladder applied after each consecutive
// settlement failure.
var retryDelays = []time.Duration{
	1 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// RetryDelay returns the backoff for the given consecutive failure count
// (1-based). Counts past the ladder reuse its last entry.
func RetryDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > len(retryDelays) {
		failures = len(retryDelays)
	}
	return retryDelays[failures-1]
}

// ScheduledTransaction is a recurring execution plan. TransactionID points
// at a template transaction that is never settled itself; every due tick
// spawns a fresh transaction copied from it.
type ScheduledTransaction struct {
	ID             uuid.UUID
	TransactionID  uuid.UUID
	Frequency      Frequency
	NextExecution  time.Time
	ExecutionCount int
	MaxExecutions  *int
	FailureCount   int
	LastError      *string
	IsActive       bool
	CreatedBy      uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Exhausted reports whether the schedule has reached its execution bound.
func (s *ScheduledTransaction) Exhausted() bool {
	return s.MaxExecutions != nil && s.ExecutionCount >= *s.MaxExecutions
}
