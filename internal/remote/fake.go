package remote

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Client used by tests and by simulated sessions when
// no remote endpoint is configured. Rows are stored under the same natural
// keys the real store upserts by, so duplicate delivery is observable as a
// count that does not grow.
type Fake struct {
	mu sync.Mutex

	nextID   int
	sessions map[NaturalKey]*fakeSession

	// Offline makes every call fail with ErrTransient until cleared.
	Offline bool

	// BeforeUpsertReadings, when set, runs before a readings batch is
	// applied and can inject a failure. Return applyFirst=true to apply
	// the batch and then fail, modelling a lost acknowledgment.
	BeforeUpsertReadings func(batch []ReadingRecord) (applyFirst bool, err error)

	UpsertSessionCalls int
	ReadingBatches     int
}

type fakeSession struct {
	id       string
	record   SessionRecord
	readings map[time.Time]ReadingRecord
	events   map[string]EventRecord
	phases   map[string]PhaseRecord
}

// NewFake creates an empty fake remote store.
func NewFake() *Fake {
	return &Fake{sessions: make(map[NaturalKey]*fakeSession)}
}

func (f *Fake) UpsertSession(_ context.Context, rec SessionRecord) (SessionAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpsertSessionCalls++
	if f.Offline {
		return SessionAck{}, fmt.Errorf("%w: fake remote offline", ErrTransient)
	}

	fs, ok := f.sessions[rec.Key]
	if !ok {
		f.nextID++
		fs = &fakeSession{
			id:       fmt.Sprintf("srv-%04d", f.nextID),
			readings: make(map[time.Time]ReadingRecord),
			events:   make(map[string]EventRecord),
			phases:   make(map[string]PhaseRecord),
		}
		f.sessions[rec.Key] = fs
	}
	fs.record = rec
	fs.record.UpdatedAt = time.Now().UTC()
	return SessionAck{RemoteID: fs.id, UpdatedAt: fs.record.UpdatedAt}, nil
}

func (f *Fake) FindSession(_ context.Context, key NaturalKey) (SessionAck, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline {
		return SessionAck{}, false, fmt.Errorf("%w: fake remote offline", ErrTransient)
	}
	fs, ok := f.sessions[key]
	if !ok {
		return SessionAck{}, false, nil
	}
	return SessionAck{RemoteID: fs.id, UpdatedAt: fs.record.UpdatedAt}, true, nil
}

func (f *Fake) UpsertReadings(_ context.Context, remoteSessionID string, batch []ReadingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadingBatches++
	if f.Offline {
		return fmt.Errorf("%w: fake remote offline", ErrTransient)
	}

	apply := func() {
		fs := f.findByID(remoteSessionID)
		if fs == nil {
			return
		}
		for _, r := range batch {
			fs.readings[r.Timestamp] = r
		}
	}

	if f.BeforeUpsertReadings != nil {
		hook := f.BeforeUpsertReadings
		f.BeforeUpsertReadings = nil
		applyFirst, err := hook(batch)
		if err != nil {
			if applyFirst {
				apply()
			}
			return err
		}
	}

	if f.findByID(remoteSessionID) == nil {
		return &ValidationError{Detail: "unknown session " + remoteSessionID}
	}
	apply()
	return nil
}

func (f *Fake) UpsertEvents(_ context.Context, remoteSessionID string, batch []EventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline {
		return fmt.Errorf("%w: fake remote offline", ErrTransient)
	}
	fs := f.findByID(remoteSessionID)
	if fs == nil {
		return &ValidationError{Detail: "unknown session " + remoteSessionID}
	}
	for _, e := range batch {
		key := fmt.Sprintf("%s@%d", e.EventType, e.Timestamp.UnixNano())
		fs.events[key] = e
	}
	return nil
}

func (f *Fake) UpsertPhases(_ context.Context, remoteSessionID string, batch []PhaseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline {
		return fmt.Errorf("%w: fake remote offline", ErrTransient)
	}
	fs := f.findByID(remoteSessionID)
	if fs == nil {
		return &ValidationError{Detail: "unknown session " + remoteSessionID}
	}
	for _, p := range batch {
		key := fmt.Sprintf("%d/%s", p.CycleNumber, p.PhaseType)
		fs.phases[key] = p
	}
	return nil
}

func (f *Fake) findByID(remoteSessionID string) *fakeSession {
	for _, fs := range f.sessions {
		if fs.id == remoteSessionID {
			return fs
		}
	}
	return nil
}

// SessionCount returns the number of distinct remote sessions.
func (f *Fake) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// ReadingCount returns the number of distinct reading rows for a session.
func (f *Fake) ReadingCount(remoteSessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs := f.findByID(remoteSessionID)
	if fs == nil {
		return 0
	}
	return len(fs.readings)
}

// EventCount returns the number of distinct event rows for a session.
func (f *Fake) EventCount(remoteSessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs := f.findByID(remoteSessionID)
	if fs == nil {
		return 0
	}
	return len(fs.events)
}

// PhaseCount returns the number of distinct phase rows for a session.
func (f *Fake) PhaseCount(remoteSessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs := f.findByID(remoteSessionID)
	if fs == nil {
		return 0
	}
	return len(fs.phases)
}

// Session returns the stored record for a natural key.
func (f *Fake) Session(key NaturalKey) (SessionRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs, ok := f.sessions[key]
	if !ok {
		return SessionRecord{}, false
	}
	return fs.record, true
}
