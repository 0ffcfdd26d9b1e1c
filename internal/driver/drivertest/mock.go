// Package drivertest provides testify mocks for the driver contract.
package drivertest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/snipewatch/internal/auction"
)

// MockDriver is a mock implementation of driver.Driver and driver.Bidder.
// Serialize renders the canonical form unless an expectation is registered.
type MockDriver struct {
	mock.Mock
	// MockSerialize routes Serialize through the mock when set.
	MockSerialize bool
}

// Refresh is the mock implementation of the Refresh method. A func(*auction.Record)
// passed as the second return value mutates the record.
func (m *MockDriver) Refresh(ctx context.Context, rec *auction.Record) error {
	args := m.Called(ctx, rec.ID)
	if len(args) > 1 {
		if fn, ok := args.Get(1).(func(*auction.Record)); ok && fn != nil {
			fn(rec)
		}
	}
	return args.Error(0)
}

// Serialize is the mock implementation of the Serialize method.
func (m *MockDriver) Serialize(rec auction.Record) ([]byte, error) {
	if !m.MockSerialize {
		return auction.Canonical(rec)
	}
	args := m.Called(rec.ID)
	raw, _ := args.Get(0).([]byte)
	return raw, args.Error(1)
}

// PlaceSnipe is the mock implementation of the PlaceSnipe method.
func (m *MockDriver) PlaceSnipe(ctx context.Context, rec auction.Record) error {
	args := m.Called(ctx, rec.ID)
	return args.Error(0)
}
