package transport

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"

	"github.com/dkeye/rtcsession/internal/core/coretest"
)

func TestCandidateQueueDrainsInOrder(t *testing.T) {
	q := NewCandidateQueue(log.Logger)
	for _, c := range []string{"a", "b", "c"} {
		q.Enqueue(coretest.Candidate(c))
	}
	assert.Equal(t, 3, q.Len())

	var got []string
	failed := q.DrainAndApply(func(c webrtc.ICECandidateInit) error {
		got = append(got, c.Candidate)
		return nil
	})
	assert.Zero(t, failed)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Zero(t, q.Len())
}

func TestCandidateQueueKeepsGoingOnFailure(t *testing.T) {
	q := NewCandidateQueue(log.Logger)
	q.Enqueue(coretest.Candidate("a"))
	q.Enqueue(coretest.Candidate("bad"))
	q.Enqueue(coretest.Candidate("c"))

	var got []string
	failed := q.DrainAndApply(func(c webrtc.ICECandidateInit) error {
		if c.Candidate == "bad" {
			return errors.New("malformed")
		}
		got = append(got, c.Candidate)
		return nil
	})
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"a", "c"}, got)
	assert.Zero(t, q.Len())

	calls := 0
	q.DrainAndApply(func(webrtc.ICECandidateInit) error { calls++; return nil })
	assert.Zero(t, calls)
}
