package storage

import (
	"context"

	"whalewatch/models"
)

// DataStore defines the persistence contract for the engine. The whale
// registry snapshot, the price-sample rings, and simulation records must
// each survive restart independently.
type DataStore interface {
	Close() error

	// Whale registry snapshot
	SaveWhaleRecords(ctx context.Context, records []models.ConfidenceRecord) error
	LoadWhaleRecords(ctx context.Context) ([]models.ConfidenceRecord, error)
	DeleteWhaleRecord(ctx context.Context, address string) error

	// Signals
	SaveSignal(ctx context.Context, sig models.Signal) error
	ListSignals(ctx context.Context, limit int) ([]models.Signal, error)

	// Simulation records
	SaveSimulation(ctx context.Context, rec models.SimulationRecord) error
	GetSimulation(ctx context.Context, id string) (*models.SimulationRecord, error)
	ListPendingSimulations(ctx context.Context) ([]models.SimulationRecord, error)
	ListSimulationsByMarket(ctx context.Context, market string) ([]models.SimulationRecord, error)

	// Price-sample rings
	SavePriceSamples(ctx context.Context, samples []models.PriceSample) error
	LoadPriceSamples(ctx context.Context) ([]models.PriceSample, error)
}

// Ensure all implementations satisfy the interface
var _ DataStore = (*Store)(nil)
var _ DataStore = (*PostgresStore)(nil)
var _ DataStore = (*MockStore)(nil)
