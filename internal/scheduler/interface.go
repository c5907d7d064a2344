package scheduler

import (
	"github.com/mattjoyce/pipepulse/internal/worker"
)

//go:generate mockgen -destination=mocks/mock_exchanger.go -package=mocks github.com/mattjoyce/pipepulse/internal/scheduler Exchanger

// Exchanger is the part of a worker the scheduler drives.
type Exchanger interface {
	ID() int
	Exchange() worker.Result
}
