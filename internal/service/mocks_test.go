package service

import (
	"context"
	"sync"
	"time"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/model"
)

// MockTransport records sends and answers from a script of errors.
type MockTransport struct {
	mu     sync.Mutex
	calls  []sentMessage
	errFor func(chatID int64, attempt int) error
	onSend func()
	nextID int64
}

type sentMessage struct {
	ChatID int64
	Text   string
	KB     model.Keyboard
}

func (m *MockTransport) SendMessage(ctx context.Context, chatID int64, text string, links []model.LinkAnnotation, kb model.Keyboard) (int64, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sentMessage{ChatID: chatID, Text: text, KB: kb})
	attempt := 0
	for _, c := range m.calls {
		if c.ChatID == chatID {
			attempt++
		}
	}
	m.nextID++
	id := m.nextID
	errFor, onSend := m.errFor, m.onSend
	m.mu.Unlock()

	if onSend != nil {
		onSend()
	}
	if errFor != nil {
		if err := errFor(chatID, attempt); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (m *MockTransport) Calls() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.calls...)
}

func (m *MockTransport) CallsTo(chatID int64) int {
	n := 0
	for _, c := range m.Calls() {
		if c.ChatID == chatID {
			n++
		}
	}
	return n
}

// MockVoteRepo is an in-memory vote ledger.
type MockVoteRepo struct {
	mu    sync.Mutex
	regs  map[model.ItemRef]model.ItemRegistration
	votes map[model.ItemRef]map[int64]model.VoteChoice
	err   error
}

func NewMockVoteRepo() *MockVoteRepo {
	return &MockVoteRepo{
		regs:  make(map[model.ItemRef]model.ItemRegistration),
		votes: make(map[model.ItemRef]map[int64]model.VoteChoice),
	}
}

func (m *MockVoteRepo) Register(ctx context.Context, reg model.ItemRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.regs[reg.Ref]; !ok {
		m.regs[reg.Ref] = reg
	}
	return nil
}

func (m *MockVoteRepo) GetRegistration(ctx context.Context, ref model.ItemRef) (*model.ItemRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	reg, ok := m.regs[ref]
	if !ok {
		return nil, appErrors.NewItemNotRegistered(ref.ChatID, ref.MessageID)
	}
	return &reg, nil
}

func (m *MockVoteRepo) CastVote(ctx context.Context, ref model.ItemRef, voterID int64, choice model.VoteChoice) (model.VoteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.VoteResult{}, m.err
	}
	if _, ok := m.regs[ref]; !ok {
		return model.VoteResult{}, appErrors.NewItemNotRegistered(ref.ChatID, ref.MessageID)
	}
	byVoter := m.votes[ref]
	if byVoter == nil {
		byVoter = make(map[int64]model.VoteChoice)
		m.votes[ref] = byVoter
	}
	if byVoter[voterID] == choice {
		return model.VoteResult{}, nil
	}
	byVoter[voterID] = choice

	var t model.Tally
	for _, c := range byVoter {
		if c == model.VoteGreen {
			t.Green++
		} else {
			t.Red++
		}
	}
	return model.VoteResult{Changed: true, Tally: t}, nil
}

func (m *MockVoteRepo) Registration(ref model.ItemRef) (model.ItemRegistration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[ref]
	return reg, ok
}

// MockScheduleRepo keeps the settings row in memory.
type MockScheduleRepo struct {
	mu      sync.Mutex
	setting model.ScheduleSetting
	hasRow  bool
	err     error
}

func (m *MockScheduleRepo) EnsureRow(ctx context.Context, secondaryChannelID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.hasRow = true
	m.setting.SecondaryChannelID = secondaryChannelID
	return nil
}

func (m *MockScheduleRepo) Get(ctx context.Context) (model.ScheduleSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.ScheduleSetting{}, m.err
	}
	return m.setting, nil
}

func (m *MockScheduleRepo) SaveWindow(ctx context.Context, start, expiry int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.setting.StartTime = start
	m.setting.ExpiryTime = expiry
	return nil
}

// fakeClock is a settable clock for limiters and services.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// MockDeliveries collects recorded delivery outcomes.
type MockDeliveries struct {
	mu      sync.Mutex
	records []model.DeliveryRecord
	err     error
}

func (m *MockDeliveries) Record(ctx context.Context, rec model.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

func (m *MockDeliveries) Records() []model.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DeliveryRecord(nil), m.records...)
}
