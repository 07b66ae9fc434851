package models

import (
	"errors"
	"fmt"
)

// IngestionStatus is the closed set of states a document moves through while it is ingested.
type IngestionStatus string

const (
	StatusPending    IngestionStatus = "pending"
	StatusExtracting IngestionStatus = "extracting"
	StatusEmbedding  IngestionStatus = "embedding"
	StatusReady      IngestionStatus = "ready"
	StatusFailed     IngestionStatus = "failed"
)

// ErrInvalidTransition is returned when a status write would move a document backwards
// or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid ingestion status transition")

var transitions = map[IngestionStatus][]IngestionStatus{
	StatusPending:    {StatusExtracting, StatusFailed},
	StatusExtracting: {StatusEmbedding, StatusFailed},
	StatusEmbedding:  {StatusReady, StatusFailed},
	StatusReady:      nil,
	StatusFailed:     nil,
}

// ParseIngestionStatus converts a stored value into a known status.
func ParseIngestionStatus(s string) (IngestionStatus, error) {
	st := IngestionStatus(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown ingestion status %q", s)
	}
	return st, nil
}

// Terminal reports whether no pipeline transition leaves s.
func (s IngestionStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// InProgress reports whether a pipeline run owns the document.
func (s IngestionStatus) InProgress() bool {
	return s == StatusPending || s == StatusExtracting || s == StatusEmbedding
}

// ValidateTransition checks a pipeline status write. Writing the current value again is a no-op
// and always allowed, so stages and the failure hook can be re-run safely.
func ValidateTransition(from, to IngestionStatus) error {
	if _, ok := transitions[to]; !ok {
		return fmt.Errorf("%w: unknown target %q", ErrInvalidTransition, to)
	}
	next, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidTransition, from)
	}
	if from == to {
		return nil
	}
	for _, n := range next {
		if n == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ValidateReset checks the explicit retry entry point, the only way out of failed.
func ValidateReset(from IngestionStatus) error {
	if from != StatusFailed {
		return fmt.Errorf("%w: cannot reset a %s document", ErrInvalidTransition, from)
	}
	return nil
}
