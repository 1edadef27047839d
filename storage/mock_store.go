package storage

import (
	"context"
	"sort"
	"sync"

	"whalewatch/models"
)

// MockStore is an in-memory DataStore for tests. Failure flags let tests
// exercise retry and degradation paths.
type MockStore struct {
	mu sync.Mutex

	whales      map[string]models.ConfidenceRecord
	signals     []models.Signal
	simulations map[string]models.SimulationRecord
	samples     []models.PriceSample

	// Failure injection
	FailSaveSimulation  bool
	FailSaveWhales      bool
	FailSavePrices      bool
	SaveSimulationCalls int
	SaveWhaleCalls      int
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		whales:      make(map[string]models.ConfidenceRecord),
		simulations: make(map[string]models.SimulationRecord),
	}
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

func (m *MockStore) SaveWhaleRecords(ctx context.Context, records []models.ConfidenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveWhaleCalls++
	if m.FailSaveWhales {
		return errMockFailure
	}
	for _, rec := range records {
		m.whales[rec.Address] = rec.Clone()
	}
	return nil
}

func (m *MockStore) LoadWhaleRecords(ctx context.Context) ([]models.ConfidenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ConfidenceRecord, 0, len(m.whales))
	for _, rec := range m.whales {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (m *MockStore) DeleteWhaleRecord(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.whales, address)
	return nil
}

func (m *MockStore) SaveSignal(ctx context.Context, sig models.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, sig)
	return nil
}

func (m *MockStore) ListSignals(ctx context.Context, limit int) ([]models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.Signal(nil), m.signals...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) SaveSimulation(ctx context.Context, rec models.SimulationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveSimulationCalls++
	if m.FailSaveSimulation {
		return errMockFailure
	}
	m.simulations[rec.ID] = rec.Clone()
	return nil
}

func (m *MockStore) GetSimulation(ctx context.Context, id string) (*models.SimulationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.simulations[id]
	if !ok {
		return nil, nil
	}
	out := rec.Clone()
	return &out, nil
}

func (m *MockStore) ListPendingSimulations(ctx context.Context) ([]models.SimulationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SimulationRecord
	for _, rec := range m.simulations {
		if rec.Status == models.SimulationPending {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *MockStore) ListSimulationsByMarket(ctx context.Context, market string) ([]models.SimulationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SimulationRecord
	for _, rec := range m.simulations {
		if rec.Market == market {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *MockStore) SavePriceSamples(ctx context.Context, samples []models.PriceSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSavePrices {
		return errMockFailure
	}
	m.samples = append([]models.PriceSample(nil), samples...)
	return nil
}

func (m *MockStore) LoadPriceSamples(ctx context.Context) ([]models.PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PriceSample(nil), m.samples...), nil
}

// SignalCount returns the number of saved signals.
func (m *MockStore) SignalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signals)
}

// SimulationSaveCount returns the number of SaveSimulation calls so far.
// Safe to poll while writer goroutines are live.
func (m *MockStore) SimulationSaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SaveSimulationCalls
}

type mockError string

func (e mockError) Error() string { return string(e) }

const errMockFailure = mockError("mock store: injected failure")
