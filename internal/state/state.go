package state

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// ControlState is the single process-wide mutable control flag block. It is
// constructed once in main and passed by reference into every component.
// Writes come from the operator surface (API) and startup restore only;
// everything else reads.
type ControlState struct {
	mu    sync.RWMutex
	abort bool

	// persist is called on every abort transition so the flag survives a
	// restart. nil persist is allowed in tests.
	persist func(bool) error
}

func New(abort bool, persist func(bool) error) *ControlState {
	return &ControlState{abort: abort, persist: persist}
}

func (s *ControlState) Abort() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.abort
}

func (s *ControlState) SetAbort(v bool) {
	s.mu.Lock()
	changed := s.abort != v
	s.abort = v
	s.mu.Unlock()

	if !changed {
		return
	}
	if v {
		log.Warn().Msg("Abort mode ENABLED - all actuation blocked")
	} else {
		log.Info().Msg("Abort mode cleared")
	}
	if s.persist != nil {
		if err := s.persist(v); err != nil {
			log.Error().Err(err).Msg("Failed to persist abort mode")
		}
	}
}
