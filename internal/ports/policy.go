package ports

import "time"

type Policy struct {
	Tick            time.Duration
	MaxItemsPerTick int
	TickBudget      time.Duration
	SendTimeout     time.Duration

	DropStaleBatchesOnPortReopen bool

	RecordHistory   int
	DedupMaxEntries int
	MaxBackoff      time.Duration
}

// DefaultPolicy mirrors the defaults of the process config.
func DefaultPolicy() Policy {
	return Policy{
		Tick:                         50 * time.Millisecond,
		MaxItemsPerTick:              20,
		TickBudget:                   250 * time.Millisecond,
		SendTimeout:                  5 * time.Second,
		DropStaleBatchesOnPortReopen: true,
		RecordHistory:                2000,
		DedupMaxEntries:              10_000,
		MaxBackoff:                   60 * time.Second,
	}
}
