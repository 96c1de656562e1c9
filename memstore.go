package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore keeps flow records in process memory. Everything is lost on
// restart, so it only suits single instance deployments and tests.
type MemStore struct {
	flows map[string]FlowState
	lk    sync.Mutex

	now func() time.Time
}

var _ FlowStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		flows: make(map[string]FlowState),
		now:   time.Now,
	}
}

func (m *MemStore) SaveFlow(ctx context.Context, flow FlowState) error {
	if flow.State == "" {
		return fmt.Errorf("flow state key is empty")
	}

	m.lk.Lock()
	defer m.lk.Unlock()

	if existing, ok := m.flows[flow.State]; ok && !existing.expired(m.now()) {
		return fmt.Errorf("flow with this state already exists")
	}

	m.flows[flow.State] = flow
	return nil
}

// getLocked must be called with lk held.
func (m *MemStore) getLocked(state string) (FlowState, error) {
	flow, ok := m.flows[state]
	if !ok {
		return FlowState{}, ErrUnknownOrExpiredState
	}

	if flow.expired(m.now()) {
		delete(m.flows, state)
		return FlowState{}, ErrUnknownOrExpiredState
	}

	return flow, nil
}

func (m *MemStore) GetFlow(ctx context.Context, state string) (*FlowState, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	flow, err := m.getLocked(state)
	if err != nil {
		return nil, err
	}

	return &flow, nil
}

func (m *MemStore) ClaimFlow(ctx context.Context, state string) (*FlowState, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	flow, err := m.getLocked(state)
	if err != nil {
		return nil, err
	}

	if flow.Step != StepAwaitingCallback {
		return nil, ErrAlreadyCompleted
	}

	flow.Step = StepExchangingToken
	m.flows[state] = flow

	return &flow, nil
}

func (m *MemStore) AttachTokens(ctx context.Context, state string, tokens TokenSet, retainUntil time.Time) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	flow, err := m.getLocked(state)
	if err != nil {
		return err
	}

	flow.applyTokens(tokens, retainUntil)
	m.flows[state] = flow

	return nil
}

func (m *MemStore) FailFlow(ctx context.Context, state string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	flow, err := m.getLocked(state)
	if err != nil {
		return err
	}

	if flow.Step != StepExchangingToken {
		return fmt.Errorf("flow is %s, only flows exchanging a code can fail", flow.Step)
	}

	flow.Step = StepFailed
	m.flows[state] = flow

	return nil
}

func (m *MemStore) DeleteFlow(ctx context.Context, state string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	delete(m.flows, state)
	return nil
}

func (m *MemStore) PurgeExpired(ctx context.Context) (int, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	now := m.now()
	purged := 0
	for state, flow := range m.flows {
		if flow.expired(now) {
			delete(m.flows, state)
			purged++
		}
	}

	return purged, nil
}
