package chat

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("anonchat/chat")

// DefaultLocale is used when the store is created without one.
const DefaultLocale = "en"

// Store is an append-only, observable message log for the current session.
// Incoming messages are displayed through the locale transform; own messages
// are kept verbatim. All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	messages  []Message
	locale    string
	listeners map[int]chan Message
	nextSub   int
}

// NewStore creates an empty store displaying in the given locale.
func NewStore(locale string) *Store {
	if locale == "" {
		locale = DefaultLocale
	}
	return &Store{
		locale:    locale,
		listeners: make(map[int]chan Message),
	}
}

// Append stores a message and notifies subscribers. For incoming messages the
// display text is recomputed from the original through the current locale, so
// appending is safe regardless of what Text the caller filled in.
func (s *Store) Append(msg Message) Message {
	s.mu.Lock()
	if !msg.IsMe {
		msg.Text = Transform(msg.OriginalText, s.locale)
	} else {
		msg.Text = msg.OriginalText
	}
	s.messages = append(s.messages, msg)
	// Notify while still holding the lock so cancel cannot close a channel
	// mid-send. The sends never block.
	for _, ch := range s.listeners {
		select {
		case ch <- msg:
		default:
			// Slow subscriber, drop rather than block the session.
		}
	}
	s.mu.Unlock()
	return msg
}

// ReplaceAll swaps the entire log. Each incoming message is re-displayed
// through the current locale.
func (s *Store) ReplaceAll(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]Message, len(msgs))
	for i, m := range msgs {
		if !m.IsMe {
			m.Text = Transform(m.OriginalText, s.locale)
		} else {
			m.Text = m.OriginalText
		}
		s.messages[i] = m
	}
}

// Reset clears the log, typically on partner loss or a new match.
func (s *Store) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

// Messages returns a copy of the log in append order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Locale returns the current display locale.
func (s *Store) Locale() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locale
}

// SetDisplayLocale switches the display locale and recomputes the display
// text of every incoming message from its original. Setting the current
// locale again is a no-op.
func (s *Store) SetDisplayLocale(locale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if locale == "" || locale == s.locale {
		return
	}
	log.Debugw("display locale changed", "from", s.locale, "to", locale)
	s.locale = locale
	for i := range s.messages {
		if !s.messages[i].IsMe {
			s.messages[i].Text = Transform(s.messages[i].OriginalText, locale)
		}
	}
}

// Subscribe returns a channel receiving every appended message and a cancel
// function that must be called to release the subscription.
func (s *Store) Subscribe() (<-chan Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Message, 16)
	s.listeners[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(c)
		}
	}
}
