// Package settlementtest wires a settlement engine against a test database.
package settlementtest

import (
	"io"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-settlement/internal/settlement"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
)

// Lease is the reservation lease used by NewEngine.
const Lease = 15 * time.Minute

// Logger returns a logger that discards output.
func Logger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

// NewEngine builds an engine whose collaborators all point at conn.
func NewEngine(t testing.TB, conn *gorm.DB) *settlement.Engine {
	t.Helper()
	engine, err := settlement.NewEngineFromDB(conn, Lease, Logger())
	if err != nil {
		t.Fatalf("settlement engine: %v", err)
	}
	return engine
}
