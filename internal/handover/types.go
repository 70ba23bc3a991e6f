package handover

import (
	"time"

	"github.com/google/uuid"

	"github.com/star/handover/internal/d2"
	"github.com/star/handover/internal/elements"
	"github.com/star/handover/internal/propagation"
	"github.com/star/handover/internal/refine"
)

// Pair is one serving/target satellite pair within a constellation.
type Pair struct {
	Constellation string `json:"constellation"`
	Serving       int    `json:"serving"`
	Target        int    `json:"target"`
}

// ScanRequest holds the parameters for one monitor scan.
type ScanRequest struct {
	Pairs    []Pair
	Observer propagation.Geodetic
	Start    time.Time
	End      time.Time
	Step     time.Duration
	D2       d2.Config
	Refine   refine.Config
}

// Boundary names which condition edge located the onset.
type Boundary string

const (
	BoundaryServing  Boundary = "serving"
	BoundaryEntering Boundary = "entering"
	BoundaryNone     Boundary = "none"
)

// Event is one refined trigger decision.
type Event struct {
	ID        uuid.UUID        `json:"id"`
	Pair      Pair             `json:"pair"`
	Window    d2.Window        `json:"window"`
	Onset     time.Time        `json:"onset"`      // refined condition onset
	TriggerAt time.Time        `json:"trigger_at"` // Onset plus time-to-trigger
	Boundary  Boundary         `json:"boundary"`
	Quality   elements.Quality `json:"quality"`

	Confidence float64        `json:"confidence"`
	Bracketed  bool           `json:"bracketed"`
	Exhausted  bool           `json:"exhausted"`
	Trials     []refine.Trial `json:"trials"`
}

// PairResult is the outcome of scanning one pair.
type PairResult struct {
	Pair         Pair    `json:"pair"`
	Observations int     `json:"observations"`
	Transitions  int     `json:"transitions"`
	Events       []Event `json:"events"`
	Error        string  `json:"error,omitempty"`
}
