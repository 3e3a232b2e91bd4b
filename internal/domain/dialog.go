package domain

import "time"

// Dialog is an active pairing of a user with an operator.
type Dialog struct {
	UserID     string    `json:"userId"`
	OperatorID string    `json:"operatorId"`
	StartTime  time.Time `json:"startTime"`
}

// Has reports whether id is either side of the dialog.
func (d Dialog) Has(id string) bool {
	return d.UserID == id || d.OperatorID == id
}

// Partner returns the other side of the dialog for id.
func (d Dialog) Partner(id string) (string, bool) {
	switch id {
	case d.UserID:
		return d.OperatorID, true
	case d.OperatorID:
		return d.UserID, true
	}
	return "", false
}

// Key identifies the dialog in transcripts and events.
func (d Dialog) Key() string {
	return d.UserID + "-" + d.OperatorID + "-" + d.StartTime.UTC().Format("20060102T150405")
}

// Callstack is the persisted form of the wait queue and dialog table.
type Callstack struct {
	Queue   []string `json:"queue"`
	Dialogs []Dialog `json:"dialogs"`
}

// Clone returns a deep copy.
func (c *Callstack) Clone() *Callstack {
	if c == nil {
		return &Callstack{Queue: []string{}, Dialogs: []Dialog{}}
	}
	out := &Callstack{
		Queue:   make([]string, len(c.Queue)),
		Dialogs: make([]Dialog, len(c.Dialogs)),
	}
	copy(out.Queue, c.Queue)
	copy(out.Dialogs, c.Dialogs)
	return out
}
