package session

import "context"

// Recognizer turns speech into text. Start streams recognized
// utterances to onUtterance until the returned stop function is
// called or ctx is cancelled.
type Recognizer interface {
	Start(ctx context.Context, onUtterance func(text string)) (stop func(), err error)
}

// StartListening begins voice recognition for this session. Recognized
// text lands in the draft rather than being sent; at most one
// recognition is active per session.
func (s *Session) StartListening(ctx context.Context) error {
	s.mu.Lock()
	if s.recognizer == nil {
		s.mu.Unlock()
		return ErrNoRecognizer
	}
	if s.stopListen != nil {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	// Reserve the slot before releasing the lock so a racing call
	// sees recognition as active while Start is still running.
	s.stopListen = func() {}
	s.mu.Unlock()

	stop, err := s.recognizer.Start(ctx, s.setDraft)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stopListen = nil
		return err
	}
	s.stopListen = stop
	return nil
}

// StopListening ends voice recognition; the accumulated draft stays.
func (s *Session) StopListening() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopListenLocked()
}

// Draft returns the current unsent draft text.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// SetDraft replaces the draft, e.g. from typed input.
func (s *Session) SetDraft(text string) {
	s.setDraft(text)
}

func (s *Session) setDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

func (s *Session) stopListenLocked() {
	if s.stopListen != nil {
		s.stopListen()
		s.stopListen = nil
	}
}
