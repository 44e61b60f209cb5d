package voice

import (
	"sync"

	"github.com/rbright/kiaanvoice/internal/engine"
	"github.com/rbright/kiaanvoice/internal/fsm"
	"github.com/rbright/kiaanvoice/internal/voiceerr"
)

type EventType string

const (
	EventStateChange      EventType = "state_change"
	EventTranscript       EventType = "transcript"
	EventWakeWordDetected EventType = "wake_word_detected"
	EventError            EventType = "error"
	EventReady            EventType = "ready"
	EventSpeakingStart    EventType = "speaking_start"
	EventSpeakingEnd      EventType = "speaking_end"
)

// Event is one notification delivered to subscribers. Only the fields
// relevant to Type are set.
type Event struct {
	Type     EventType       `json:"type"`
	State    fsm.State       `json:"state,omitempty"`
	Previous fsm.State       `json:"previous,omitempty"`
	Text     string          `json:"text,omitempty"`
	IsFinal  bool            `json:"is_final,omitempty"`
	Phrase   string          `json:"phrase,omitempty"`
	Err      *voiceerr.Error `json:"error,omitempty"`
}

// Subscriber receives events on the engine goroutine. It must return
// promptly and must not call blocking Manager operations.
type Subscriber func(Event)

type subscribers struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Subscriber
	order  []int
}

func (s *subscribers) add(fn Subscriber) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]Subscriber)
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.order = append(s.order, id)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

func (s *subscribers) emit(ev Event) {
	s.mu.Lock()
	fns := make([]Subscriber, 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// eventsFor derives the subscriber events for one committed change. report
// is the terminal error the effects decided to surface, if any.
func eventsFor(c engine.Change, report *voiceerr.Error) []Event {
	events := []Event{{Type: EventStateChange, State: c.To, Previous: c.From}}

	switch c.Transition {
	case fsm.TransitionReady:
		events = append(events, Event{Type: EventReady, State: c.To})
	case fsm.TransitionTranscriptReceived:
		events = append(events, Event{Type: EventTranscript, Text: c.Payload.Text, IsFinal: true})
	case fsm.TransitionWakeWordDetected:
		events = append(events, Event{Type: EventWakeWordDetected, Phrase: c.Payload.Phrase})
	}

	if c.From == fsm.StateSpeaking {
		events = append(events, Event{Type: EventSpeakingEnd})
	}
	if c.Transition == fsm.TransitionStartSpeaking {
		events = append(events, Event{Type: EventSpeakingStart, Text: c.Payload.Text})
	}
	if c.To == fsm.StateError && report != nil {
		events = append(events, Event{Type: EventError, Err: report})
	}
	return events
}
