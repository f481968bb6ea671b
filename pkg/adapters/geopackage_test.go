package adapters

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/deforma/pkg/raster"
)

// wkbPoint encodes an XY point as little-endian WKB.
func wkbPoint(x, y float64) []byte {
	b := make([]byte, 21)
	b[0] = 1
	binary.LittleEndian.PutUint32(b[1:], 1)
	binary.LittleEndian.PutUint64(b[5:], math.Float64bits(x))
	binary.LittleEndian.PutUint64(b[13:], math.Float64bits(y))
	return b
}

// gpPoint wraps a WKB point in a GeoPackage header with an XY envelope.
func gpPoint(x, y float64) []byte {
	hdr := []byte{'G', 'P', 0, 0x03, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(hdr[4:], 32632)
	env := make([]byte, 32)
	for i, v := range []float64{x, x, y, y} {
		binary.LittleEndian.PutUint64(env[i*8:], math.Float64bits(v))
	}
	return append(append(hdr, env...), wkbPoint(x, y)...)
}

func writeGeoPackage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ps.gpkg")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		`CREATE TABLE gpkg_contents (table_name TEXT PRIMARY KEY, data_type TEXT NOT NULL)`,
		`CREATE TABLE gpkg_geometry_columns (table_name TEXT, column_name TEXT)`,
		`INSERT INTO gpkg_contents VALUES ('ps_asc', 'features'), ('ps_desc', 'features'), ('dem', 'tiles')`,
		`INSERT INTO gpkg_geometry_columns VALUES ('ps_asc', 'geom'), ('ps_desc', 'shape')`,
		`CREATE TABLE ps_asc (fid INTEGER PRIMARY KEY, geom BLOB, code TEXT,
			D20200101 REAL, D20200201 REAL, D20200301 REAL, velocity REAL)`,
		`CREATE TABLE ps_desc (fid INTEGER PRIMARY KEY, shape BLOB, D20210101 INTEGER)`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}

	rows := []struct {
		geom     []byte
		code     string
		a, b, c  any
		velocity any
	}{
		{gpPoint(10, 10), "n", 0.0, 1.0, 2.0, -4.0},
		{gpPoint(14, 10), "s", 2.0, nil, 6.0, nil},
		{nil, "no-geom", 5.0, 5.0, 5.0, nil},
	}
	for _, r := range rows {
		_, err := db.Exec(`INSERT INTO ps_asc (geom, code, D20200101, D20200201, D20200301, velocity) VALUES (?, ?, ?, ?, ?, ?)`,
			r.geom, r.code, r.a, r.b, r.c, r.velocity)
		require.NoError(t, err)
	}
	_, err = db.Exec(`INSERT INTO ps_desc (shape, D20210101) VALUES (?, 3)`, gpPoint(500, 500))
	require.NoError(t, err)
	return path
}

func TestGeoPackageAdapter_DefaultLayer(t *testing.T) {
	a := &GeoPackageAdapter{Path: writeGeoPackage(t)}
	defer a.Close()

	res, err := a.Extract(context.Background(), Selector{Point: raster.Point{X: 10.5, Y: 10}})
	require.NoError(t, err)
	assert.Equal(t, "1", res.FeatureID)
	assert.Equal(t, []float64{0, 1, 2}, res.Samples.Values())
	require.NotNil(t, res.Velocity)
	assert.Equal(t, -4.0, *res.Velocity)

	square := []raster.Point{{X: 0, Y: 0}, {X: 20, Y: 0}, {X: 20, Y: 20}, {X: 0, Y: 20}}
	res, err = a.Extract(context.Background(), Selector{Mode: ModePolygon, Polygon: square})
	require.NoError(t, err)
	assert.Equal(t, 2, res.FeatureCount, "rows without geometry are skipped")
	assert.Equal(t, []float64{1, 1, 4}, res.Samples.Values())
}

func TestGeoPackageAdapter_NamedLayer(t *testing.T) {
	a := &GeoPackageAdapter{Path: writeGeoPackage(t), Layer: "ps_desc"}
	defer a.Close()

	res, err := a.Extract(context.Background(), Selector{Point: raster.Point{X: 0, Y: 0}})
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, res.Samples.Values())
	assert.True(t, res.Samples[0].Date.Equal(day(2021, 1, 1)))
	assert.Nil(t, res.Velocity)
}

func TestGeoPackageAdapter_UnknownLayer(t *testing.T) {
	a := &GeoPackageAdapter{Path: writeGeoPackage(t), Layer: "missing"}
	defer a.Close()

	_, err := a.Extract(context.Background(), Selector{})
	assert.Error(t, err)
}

func TestDecodeGeoPackagePoint(t *testing.T) {
	p, err := decodeGeoPackagePoint(gpPoint(3.5, -7.25))
	require.NoError(t, err)
	assert.Equal(t, raster.Point{X: 3.5, Y: -7.25}, p)

	// No envelope, big-endian WKB point Z (ISO type 1001).
	wkb := make([]byte, 29)
	binary.BigEndian.PutUint32(wkb[1:], 1001)
	binary.BigEndian.PutUint64(wkb[5:], math.Float64bits(1))
	binary.BigEndian.PutUint64(wkb[13:], math.Float64bits(2))
	binary.BigEndian.PutUint64(wkb[21:], math.Float64bits(3))
	p, err = decodeGeoPackagePoint(append([]byte{'G', 'P', 0, 0, 0, 0, 0, 0}, wkb...))
	require.NoError(t, err)
	assert.Equal(t, raster.Point{X: 1, Y: 2}, p)

	// EWKB with an SRID.
	ewkb := make([]byte, 25)
	ewkb[0] = 1
	binary.LittleEndian.PutUint32(ewkb[1:], 0x20000001)
	binary.LittleEndian.PutUint32(ewkb[5:], 4326)
	binary.LittleEndian.PutUint64(ewkb[9:], math.Float64bits(5))
	binary.LittleEndian.PutUint64(ewkb[17:], math.Float64bits(6))
	p, err = decodeWKBPoint(ewkb)
	require.NoError(t, err)
	assert.Equal(t, raster.Point{X: 5, Y: 6}, p)
}

func TestDecodeGeoPackagePoint_Errors(t *testing.T) {
	line := wkbPoint(0, 0)
	binary.LittleEndian.PutUint32(line[1:], 2)

	tests := []struct {
		name string
		blob []byte
	}{
		{"not a geopackage blob", wkbPoint(1, 1)},
		{"empty geometry", append([]byte{'G', 'P', 0, 0x11, 0, 0, 0, 0}, wkbPoint(0, 0)...)},
		{"bad envelope", append([]byte{'G', 'P', 0, 0x0e, 0, 0, 0, 0}, wkbPoint(0, 0)...)},
		{"truncated envelope", append([]byte{'G', 'P', 0, 0x03, 0, 0, 0, 0}, 1, 2, 3)},
		{"short wkb", []byte{'G', 'P', 0, 0, 0, 0, 0, 0, 1, 1, 0}},
		{"linestring", append([]byte{'G', 'P', 0, 0, 0, 0, 0, 0}, line...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeGeoPackagePoint(tt.blob)
			assert.Error(t, err)
		})
	}
}
