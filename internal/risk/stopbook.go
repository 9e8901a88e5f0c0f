package risk

import "sync"

// stopKey identifies a (security, sub-account) pair blocked from new
// order entry. Split out of the main gate because operators toggle it
// independently: a trader hitting an emergency stop on one book
// shouldn't touch anyone else's limits.
type stopKey struct {
	secID    int32
	subAccID int32
}

// StopBook is a standalone halt list checked before any other risk
// limit. A (security, sub-account) pair on the list rejects every new
// order regardless of size or limits.
type StopBook struct {
	mu   sync.RWMutex
	halt map[stopKey]string // value is the reason, for the rejection text
}

// NewStopBook returns an empty halt list.
func NewStopBook() *StopBook {
	return &StopBook{halt: make(map[stopKey]string)}
}

// Add halts new order entry for (secID, subAccID).
func (s *StopBook) Add(secID, subAccID int32, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halt[stopKey{secID, subAccID}] = reason
}

// Remove lifts a halt previously set by Add.
func (s *StopBook) Remove(secID, subAccID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.halt, stopKey{secID, subAccID})
}

// Check reports whether (secID, subAccID) is halted, and why.
func (s *StopBook) Check(secID, subAccID int32) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reason, halted := s.halt[stopKey{secID, subAccID}]
	return halted, reason
}
