// Package fsm defines the voice runtime states, transitions, and the static
// table of which transitions are legal from which state.
package fsm

import (
	"fmt"
	"slices"
)

type State string

type Transition string

const (
	StateUninitialized     State = "uninitialized"
	StateInitializing      State = "initializing"
	StateIdle              State = "idle"
	StateWakeWordListening State = "wakeWordListening"
	StateWarmingUp         State = "warmingUp"
	StateListening         State = "listening"
	StateProcessing        State = "processing"
	StateThinking          State = "thinking"
	StateSpeaking          State = "speaking"
	StateError             State = "error"
	StateRecovering        State = "recovering"
)

const (
	TransitionInitialize         Transition = "initialize"
	TransitionReady              Transition = "ready"
	TransitionEnableWakeWord     Transition = "enableWakeWord"
	TransitionDisableWakeWord    Transition = "disableWakeWord"
	TransitionWakeWordDetected   Transition = "wakeWordDetected"
	TransitionActivate           Transition = "activate"
	TransitionStartListening     Transition = "startListening"
	TransitionStopListening      Transition = "stopListening"
	TransitionTranscriptReceived Transition = "transcriptReceived"
	TransitionStartThinking      Transition = "startThinking"
	TransitionStartSpeaking      Transition = "startSpeaking"
	TransitionStopSpeaking       Transition = "stopSpeaking"
	TransitionError              Transition = "error"
	TransitionRecover            Transition = "recover"
	TransitionReset              Transition = "reset"
)

// States lists every state in declaration order.
var States = []State{
	StateUninitialized,
	StateInitializing,
	StateIdle,
	StateWakeWordListening,
	StateWarmingUp,
	StateListening,
	StateProcessing,
	StateThinking,
	StateSpeaking,
	StateError,
	StateRecovering,
}

// Transitions lists every transition in declaration order.
var Transitions = []Transition{
	TransitionInitialize,
	TransitionReady,
	TransitionEnableWakeWord,
	TransitionDisableWakeWord,
	TransitionWakeWordDetected,
	TransitionActivate,
	TransitionStartListening,
	TransitionStopListening,
	TransitionTranscriptReceived,
	TransitionStartThinking,
	TransitionStartSpeaking,
	TransitionStopSpeaking,
	TransitionError,
	TransitionRecover,
	TransitionReset,
}

// Allowed maps each state to the transitions legal from it. Reset is legal
// from every state.
var Allowed = map[State][]Transition{
	StateUninitialized: {TransitionInitialize, TransitionReset},
	StateInitializing:  {TransitionReady, TransitionError, TransitionReset},
	StateIdle: {
		TransitionInitialize,
		TransitionEnableWakeWord,
		TransitionDisableWakeWord,
		TransitionActivate,
		TransitionStartSpeaking,
		TransitionError,
		TransitionReset,
	},
	StateWakeWordListening: {
		TransitionWakeWordDetected,
		TransitionDisableWakeWord,
		TransitionActivate,
		TransitionStartSpeaking,
		TransitionError,
		TransitionReset,
	},
	StateWarmingUp:  {TransitionStartListening, TransitionStopListening, TransitionError, TransitionReset},
	StateListening:  {TransitionTranscriptReceived, TransitionStopListening, TransitionError, TransitionReset},
	StateProcessing: {TransitionStartThinking, TransitionStartSpeaking, TransitionStopListening, TransitionError, TransitionReset},
	StateThinking:   {TransitionStartSpeaking, TransitionStopSpeaking, TransitionError, TransitionReset},
	StateSpeaking:   {TransitionStartSpeaking, TransitionStopSpeaking, TransitionError, TransitionReset},
	StateError:      {TransitionRecover, TransitionReset},
	StateRecovering: {TransitionReady, TransitionError, TransitionReset},
}

// IsAllowed reports whether t is legal from state.
func IsAllowed(state State, t Transition) bool {
	return slices.Contains(Allowed[state], t)
}

// IsResting reports whether state is one of the modes a finished turn
// returns to.
func IsResting(state State) bool {
	return state == StateIdle || state == StateWakeWordListening
}

// Next resolves the target state for t applied from current. resume is the
// stored pre-activation mode used by transitions that end a turn; anything
// other than a resting state falls back to idle.
func Next(current State, t Transition, resume State) (State, error) {
	if _, known := Allowed[current]; !known {
		return current, fmt.Errorf("unknown state %q", current)
	}
	if !IsAllowed(current, t) {
		return current, invalidTransition(current, t)
	}
	if !IsResting(resume) {
		resume = StateIdle
	}

	switch t {
	case TransitionInitialize:
		return StateInitializing, nil
	case TransitionReady:
		return StateIdle, nil
	case TransitionEnableWakeWord:
		return StateWakeWordListening, nil
	case TransitionDisableWakeWord:
		return StateIdle, nil
	case TransitionWakeWordDetected, TransitionActivate:
		return StateWarmingUp, nil
	case TransitionStartListening:
		return StateListening, nil
	case TransitionStopListening, TransitionStopSpeaking:
		return resume, nil
	case TransitionTranscriptReceived:
		return StateProcessing, nil
	case TransitionStartThinking:
		return StateThinking, nil
	case TransitionStartSpeaking:
		return StateSpeaking, nil
	case TransitionError:
		return StateError, nil
	case TransitionRecover:
		return StateRecovering, nil
	case TransitionReset:
		return StateIdle, nil
	default:
		return current, fmt.Errorf("unknown transition %q", t)
	}
}

// ResumeAfter returns the mode a turn begun by t from current should return
// to, and whether t begins a turn at all.
func ResumeAfter(current State, t Transition) (State, bool) {
	if !IsResting(current) {
		return "", false
	}
	switch t {
	case TransitionActivate, TransitionWakeWordDetected, TransitionStartSpeaking:
		return current, true
	default:
		return "", false
	}
}

func invalidTransition(state State, t Transition) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, t)
}
