// Package storage keeps the latest fit snapshot per extraction target.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/HatiCode/deforma/pkg/models"
	"github.com/HatiCode/deforma/pkg/raster"
)

// keyPrefix namespaces snapshot keys in shared key-value backends.
const keyPrefix = "deforma:snapshot:"

// ErrEmptyKey is returned when a snapshot is stored or looked up without a key.
var ErrEmptyKey = errors.New("snapshot key cannot be empty")

// Snapshot is the outcome of one extract-and-fit request. Values and Fitted
// are aligned with Dates.
type Snapshot struct {
	Key       string         `json:"key"`
	RequestID string         `json:"request_id,omitempty"`
	Source    string         `json:"source"`
	Mode      string         `json:"mode"`
	Points    []raster.Point `json:"points"`

	Model          models.Kind `json:"model"`
	EffectiveModel models.Kind `json:"effective_model"`
	FellBack       bool        `json:"fell_back"`
	Seasonal       bool        `json:"seasonal"`

	GeneratedAt time.Time `json:"generated_at"`

	Dates  []time.Time         `json:"dates"`
	Values []float64           `json:"values"`
	Fitted []float64           `json:"fitted"`
	RMSE   float64             `json:"rmse"`
	Curve  []models.CurvePoint `json:"curve"`

	// Velocity is the fitted mean rate per year, when it could be computed.
	Velocity *float64 `json:"velocity,omitempty"`
	// StoredVelocity is the rate carried by the source itself, if any.
	StoredVelocity *float64 `json:"stored_velocity,omitempty"`

	FeatureCount int `json:"feature_count"`
}

// Store persists the latest snapshot per key.
type Store interface {
	Put(ctx context.Context, snapshot Snapshot) error
	GetLatest(ctx context.Context, key string) (Snapshot, bool, error)
}

// Pinger is implemented by stores with a backend that can become
// unreachable or closed.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	_ Pinger = (*RedisStore)(nil)
	_ Pinger = (*BadgerStore)(nil)
)

// Key derives the snapshot key of a source and a selection geometry: a point,
// or the vertices of a polygon.
func Key(source string, points []raster.Point) string {
	var b strings.Builder
	b.WriteString(source)
	for _, p := range points {
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(p.X, 'g', -1, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(p.Y, 'g', -1, 64))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
