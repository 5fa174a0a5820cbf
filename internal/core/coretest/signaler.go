package coretest

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/rtcsession/internal/core"
	"github.com/dkeye/rtcsession/internal/domain"
)

// SentCandidate records one SendCandidate call.
type SentCandidate struct {
	Candidate webrtc.ICECandidateInit
	Target    domain.Role
}

// Signaler records everything the session layer sends outward.
type Signaler struct {
	mu         sync.Mutex
	offers     []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates []SentCandidate
	rejoins    int

	OfferErr     error
	CandidateErr error
	RejoinErr    error
}

var _ core.Signaler = (*Signaler)(nil)

func (s *Signaler) SendOffer(_ context.Context, sd webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OfferErr != nil {
		return s.OfferErr
	}
	s.offers = append(s.offers, sd)
	return nil
}

func (s *Signaler) SendAnswer(_ context.Context, sd webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, sd)
	return nil
}

func (s *Signaler) SendCandidate(_ context.Context, c webrtc.ICECandidateInit, target domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CandidateErr != nil {
		return s.CandidateErr
	}
	s.candidates = append(s.candidates, SentCandidate{Candidate: c, Target: target})
	return nil
}

func (s *Signaler) Rejoin(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejoins++
	return s.RejoinErr
}

func (s *Signaler) Offers() []webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), s.offers...)
}

func (s *Signaler) Answers() []webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), s.answers...)
}

func (s *Signaler) Candidates() []SentCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentCandidate(nil), s.candidates...)
}

func (s *Signaler) Rejoins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejoins
}
