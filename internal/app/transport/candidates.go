package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// CandidateQueue buffers remote ICE candidates that arrive before they can
// be applied. It is drained once per remote description, in arrival order.
type CandidateQueue struct {
	mu    sync.Mutex
	items []webrtc.ICECandidateInit
	log   zerolog.Logger
}

func NewCandidateQueue(logger zerolog.Logger) *CandidateQueue {
	return &CandidateQueue{log: logger}
}

func (q *CandidateQueue) Enqueue(c webrtc.ICECandidateInit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, c)
}

func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainAndApply hands every buffered candidate to apply and empties the
// queue. A failing candidate is logged and skipped. It returns the number
// of candidates that failed.
func (q *CandidateQueue) DrainAndApply(apply func(webrtc.ICECandidateInit) error) int {
	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	failed := 0
	for i, c := range batch {
		if err := apply(c); err != nil {
			failed++
			q.log.Warn().Err(err).Int("index", i).Str("candidate", c.Candidate).Msg("drop queued candidate")
		}
	}
	if len(batch) > 0 {
		q.log.Debug().Int("drained", len(batch)).Int("failed", failed).Msg("candidate queue drained")
	}
	return failed
}
