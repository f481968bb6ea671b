// Package geotiff is a pure-Go reader and writer for single-band GeoTIFF
// rasters, the format Deforma's per-epoch displacement grids are exchanged in.
//
// Supported: classic (non-Big) TIFF in either byte order, stripped or tiled
// layout, uncompressed or Deflate, horizontal and floating-point predictors,
// 8/16/32/64-bit integer and 32/64-bit float samples. Georeferencing is taken
// from ModelTransformation, or from ModelTiepoint plus ModelPixelScale. The
// GDAL_NODATA tag becomes the dataset's NoData value.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/klauspost/compress/zlib"

	"github.com/HatiCode/deforma/pkg/raster"
)

// Opener opens GeoTIFF files as raster datasets.
var Opener raster.Opener = raster.OpenerFunc(func(path string) (raster.Dataset, error) {
	return Open(path)
})

// Dataset is an open GeoTIFF file. Reads go to disk on every call.
type Dataset struct {
	f     *os.File
	order binary.ByteOrder

	width, height int
	bitsPerSample int
	sampleFormat  int
	compression   int
	predictor     int

	// chunks are strips (chunkWidth == width) or tiles.
	chunkWidth, chunkHeight int
	chunkOffsets            []uint64
	chunkByteCounts         []uint64

	gt        raster.GeoTransform
	noData    float64
	hasNoData bool
}

var _ raster.Dataset = (*Dataset)(nil)

// Open parses the first image directory of a GeoTIFF file.
func Open(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	ds, err := parse(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

func parse(f *os.File) (*Dataset, error) {
	var header [8]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var order binary.ByteOrder
	switch string(header[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: not a TIFF file", raster.ErrUnsupportedFormat)
	}
	switch order.Uint16(header[2:4]) {
	case 42:
	case 43:
		return nil, fmt.Errorf("%w: BigTIFF", raster.ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("%w: bad TIFF magic", raster.ErrUnsupportedFormat)
	}

	fields, err := readIFD(f, order, int64(order.Uint32(header[4:8])))
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		f:             f,
		order:         order,
		bitsPerSample: 1,
		sampleFormat:  sampleFormatUint,
		compression:   compressionNone,
		predictor:     predictorNone,
	}

	uintTag := func(tag uint16, def int) (int, error) {
		fl, ok := fields[tag]
		if !ok {
			return def, nil
		}
		vals, err := fl.uints(order)
		if err != nil || len(vals) == 0 {
			return 0, fmt.Errorf("%w: tag %d: %v", raster.ErrUnsupportedFormat, tag, err)
		}
		return int(vals[0]), nil
	}

	if ds.width, err = uintTag(tagImageWidth, 0); err != nil {
		return nil, err
	}
	if ds.height, err = uintTag(tagImageLength, 0); err != nil {
		return nil, err
	}
	if ds.width <= 0 || ds.height <= 0 {
		return nil, fmt.Errorf("%w: missing image dimensions", raster.ErrUnsupportedFormat)
	}
	if ds.bitsPerSample, err = uintTag(tagBitsPerSample, 1); err != nil {
		return nil, err
	}
	if ds.sampleFormat, err = uintTag(tagSampleFormat, sampleFormatUint); err != nil {
		return nil, err
	}
	if ds.compression, err = uintTag(tagCompression, compressionNone); err != nil {
		return nil, err
	}
	if ds.predictor, err = uintTag(tagPredictor, predictorNone); err != nil {
		return nil, err
	}
	spp, err := uintTag(tagSamplesPerPixel, 1)
	if err != nil {
		return nil, err
	}
	if spp != 1 {
		return nil, fmt.Errorf("%w: %d samples per pixel, want 1", raster.ErrUnsupportedFormat, spp)
	}

	if err := ds.checkSampleLayout(); err != nil {
		return nil, err
	}
	if err := ds.readChunkLayout(fields, uintTag); err != nil {
		return nil, err
	}
	if err := ds.readGeoreference(fields); err != nil {
		return nil, err
	}

	if fl, ok := fields[tagGDALNoData]; ok {
		if v, err := strconv.ParseFloat(fl.ascii(), 64); err == nil {
			ds.noData, ds.hasNoData = v, true
		}
	}

	return ds, nil
}

func (ds *Dataset) checkSampleLayout() error {
	switch ds.sampleFormat {
	case sampleFormatUint, sampleFormatInt:
		switch ds.bitsPerSample {
		case 8, 16, 32, 64:
		default:
			return fmt.Errorf("%w: %d-bit integer samples", raster.ErrUnsupportedFormat, ds.bitsPerSample)
		}
	case sampleFormatFloat:
		if ds.bitsPerSample != 32 && ds.bitsPerSample != 64 {
			return fmt.Errorf("%w: %d-bit float samples", raster.ErrUnsupportedFormat, ds.bitsPerSample)
		}
	default:
		return fmt.Errorf("%w: sample format %d", raster.ErrUnsupportedFormat, ds.sampleFormat)
	}

	switch ds.compression {
	case compressionNone, compressionDeflate, compressionDeflateOld:
	default:
		return fmt.Errorf("%w: compression %d", raster.ErrUnsupportedFormat, ds.compression)
	}

	switch ds.predictor {
	case predictorNone:
	case predictorHorizontal:
		if ds.sampleFormat == sampleFormatFloat {
			return fmt.Errorf("%w: horizontal predictor on float samples", raster.ErrUnsupportedFormat)
		}
	case predictorFloatingPoint:
		if ds.sampleFormat != sampleFormatFloat {
			return fmt.Errorf("%w: floating-point predictor on integer samples", raster.ErrUnsupportedFormat)
		}
	default:
		return fmt.Errorf("%w: predictor %d", raster.ErrUnsupportedFormat, ds.predictor)
	}
	return nil
}

func (ds *Dataset) readChunkLayout(fields map[uint16]field, uintTag func(uint16, int) (int, error)) error {
	offsetsTag, countsTag := uint16(tagStripOffsets), uint16(tagStripByteCounts)

	if _, tiled := fields[tagTileWidth]; tiled {
		var err error
		if ds.chunkWidth, err = uintTag(tagTileWidth, 0); err != nil {
			return err
		}
		if ds.chunkHeight, err = uintTag(tagTileLength, 0); err != nil {
			return err
		}
		offsetsTag, countsTag = tagTileOffsets, tagTileByteCounts
	} else {
		rows, err := uintTag(tagRowsPerStrip, ds.height)
		if err != nil {
			return err
		}
		ds.chunkWidth, ds.chunkHeight = ds.width, min(rows, ds.height)
	}
	if ds.chunkWidth <= 0 || ds.chunkHeight <= 0 {
		return fmt.Errorf("%w: invalid chunk size %dx%d", raster.ErrUnsupportedFormat, ds.chunkWidth, ds.chunkHeight)
	}

	offsets, ok := fields[offsetsTag]
	if !ok {
		return fmt.Errorf("%w: missing data offsets", raster.ErrUnsupportedFormat)
	}
	counts, ok := fields[countsTag]
	if !ok {
		return fmt.Errorf("%w: missing data byte counts", raster.ErrUnsupportedFormat)
	}

	var err error
	if ds.chunkOffsets, err = offsets.uints(ds.order); err != nil {
		return fmt.Errorf("%w: data offsets: %v", raster.ErrUnsupportedFormat, err)
	}
	if ds.chunkByteCounts, err = counts.uints(ds.order); err != nil {
		return fmt.Errorf("%w: data byte counts: %v", raster.ErrUnsupportedFormat, err)
	}

	want := ds.chunksAcross() * ds.chunksDown()
	if len(ds.chunkOffsets) < want || len(ds.chunkByteCounts) < want {
		return fmt.Errorf("%w: %d chunks listed, want %d", raster.ErrUnsupportedFormat, len(ds.chunkOffsets), want)
	}
	return nil
}

func (ds *Dataset) readGeoreference(fields map[uint16]field) error {
	if fl, ok := fields[tagModelTransformation]; ok {
		m, err := fl.floats(ds.order)
		if err != nil || len(m) < 16 {
			return fmt.Errorf("%w: ModelTransformation", raster.ErrUnsupportedFormat)
		}
		ds.gt = raster.GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}
		return nil
	}

	tie, hasTie := fields[tagModelTiepoint]
	scale, hasScale := fields[tagModelPixelScale]
	if !hasTie || !hasScale {
		// Ungeoreferenced: pixel space with north up.
		ds.gt = raster.GeoTransform{0, 1, 0, 0, 0, -1}
		return nil
	}

	tp, err := tie.floats(ds.order)
	if err != nil || len(tp) < 6 {
		return fmt.Errorf("%w: ModelTiepoint", raster.ErrUnsupportedFormat)
	}
	sc, err := scale.floats(ds.order)
	if err != nil || len(sc) < 2 {
		return fmt.Errorf("%w: ModelPixelScale", raster.ErrUnsupportedFormat)
	}

	i, j, x, y := tp[0], tp[1], tp[3], tp[4]
	ds.gt = raster.GeoTransform{x - i*sc[0], sc[0], 0, y + j*sc[1], 0, -sc[1]}
	return nil
}

func readIFD(r io.ReaderAt, order binary.ByteOrder, offset int64) (map[uint16]field, error) {
	var countBuf [2]byte
	if _, err := r.ReadAt(countBuf[:], offset); err != nil {
		return nil, fmt.Errorf("read IFD: %w", err)
	}
	n := int(order.Uint16(countBuf[:]))

	entries := make([]byte, 12*n)
	if _, err := r.ReadAt(entries, offset+2); err != nil {
		return nil, fmt.Errorf("read IFD entries: %w", err)
	}

	fields := make(map[uint16]field, n)
	for i := 0; i < n; i++ {
		e := entries[12*i : 12*i+12]
		tag := order.Uint16(e[0:2])
		typ := order.Uint16(e[2:4])
		count := order.Uint32(e[4:8])

		size, known := typeSize[typ]
		if !known {
			continue
		}
		total := int64(size) * int64(count)

		raw := make([]byte, total)
		if total <= 4 {
			copy(raw, e[8:8+total])
		} else if _, err := r.ReadAt(raw, int64(order.Uint32(e[8:12]))); err != nil {
			return nil, fmt.Errorf("read tag %d: %w", tag, err)
		}
		fields[tag] = field{typ: typ, count: count, raw: raw}
	}
	return fields, nil
}

// Width implements raster.Dataset.
func (ds *Dataset) Width() int { return ds.width }

// Height implements raster.Dataset.
func (ds *Dataset) Height() int { return ds.height }

// GeoTransform implements raster.Dataset.
func (ds *Dataset) GeoTransform() raster.GeoTransform { return ds.gt }

// NoData implements raster.Dataset.
func (ds *Dataset) NoData() (float64, bool) { return ds.noData, ds.hasNoData }

// Close releases the file handle.
func (ds *Dataset) Close() error { return ds.f.Close() }

func (ds *Dataset) chunksAcross() int { return (ds.width + ds.chunkWidth - 1) / ds.chunkWidth }
func (ds *Dataset) chunksDown() int   { return (ds.height + ds.chunkHeight - 1) / ds.chunkHeight }

// ReadWindow implements raster.Dataset. Each chunk touched by the window is
// read and decoded once.
func (ds *Dataset) ReadWindow(x, y, w, h int) ([]float64, error) {
	if err := raster.CheckWindow(ds.width, ds.height, x, y, w, h); err != nil {
		return nil, err
	}

	out := make([]float64, w*h)
	for cy := y / ds.chunkHeight; cy <= (y+h-1)/ds.chunkHeight; cy++ {
		for cx := x / ds.chunkWidth; cx <= (x+w-1)/ds.chunkWidth; cx++ {
			idx := cy*ds.chunksAcross() + cx
			chunk, rows, err := ds.readChunk(idx, cy)
			if err != nil {
				return nil, fmt.Errorf("chunk %d: %w", idx, err)
			}

			x0, y0 := cx*ds.chunkWidth, cy*ds.chunkHeight
			for row := max(y, y0); row < min(y+h, y0+rows); row++ {
				for col := max(x, x0); col < min(x+w, x0+ds.chunkWidth); col++ {
					out[(row-y)*w+(col-x)] = chunk[(row-y0)*ds.chunkWidth+(col-x0)]
				}
			}
		}
	}
	return out, nil
}

// readChunk returns the decoded samples of one strip or tile together with the
// number of rows it holds.
func (ds *Dataset) readChunk(idx, chunkRow int) ([]float64, int, error) {
	rows := ds.chunkHeight
	if ds.chunkWidth == ds.width {
		// Strips: the last one may be short.
		rows = min(ds.chunkHeight, ds.height-chunkRow*ds.chunkHeight)
	}

	raw := make([]byte, ds.chunkByteCounts[idx])
	if _, err := ds.f.ReadAt(raw, int64(ds.chunkOffsets[idx])); err != nil {
		return nil, 0, fmt.Errorf("read: %w", err)
	}

	if ds.compression != compressionNone {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, 0, fmt.Errorf("deflate: %w", err)
		}
		raw, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("deflate: %w", err)
		}
	}

	bps := ds.bitsPerSample / 8
	rowBytes := ds.chunkWidth * bps
	if len(raw) < rows*rowBytes {
		return nil, 0, fmt.Errorf("short chunk: %d bytes, want %d", len(raw), rows*rowBytes)
	}

	switch ds.predictor {
	case predictorHorizontal:
		for r := 0; r < rows; r++ {
			undoHorizontal(raw[r*rowBytes:(r+1)*rowBytes], bps, ds.order)
		}
	case predictorFloatingPoint:
		for r := 0; r < rows; r++ {
			undoFloatingPoint(raw[r*rowBytes:(r+1)*rowBytes], bps)
		}
	}

	order := ds.order
	if ds.predictor == predictorFloatingPoint {
		order = binary.BigEndian
	}

	out := make([]float64, rows*ds.chunkWidth)
	for i := range out {
		out[i] = ds.decodeSample(raw[i*bps:], order)
	}
	return out, rows, nil
}

func (ds *Dataset) decodeSample(b []byte, order binary.ByteOrder) float64 {
	switch ds.sampleFormat {
	case sampleFormatFloat:
		if ds.bitsPerSample == 32 {
			return float64(math.Float32frombits(order.Uint32(b)))
		}
		return math.Float64frombits(order.Uint64(b))
	case sampleFormatInt:
		switch ds.bitsPerSample {
		case 8:
			return float64(int8(b[0]))
		case 16:
			return float64(int16(order.Uint16(b)))
		case 32:
			return float64(int32(order.Uint32(b)))
		default:
			return float64(int64(order.Uint64(b)))
		}
	default:
		switch ds.bitsPerSample {
		case 8:
			return float64(b[0])
		case 16:
			return float64(order.Uint16(b))
		case 32:
			return float64(order.Uint32(b))
		default:
			return float64(order.Uint64(b))
		}
	}
}

// undoHorizontal reverses TIFF predictor 2 on one row of integer samples.
func undoHorizontal(row []byte, bps int, order binary.ByteOrder) {
	n := len(row) / bps
	for i := 1; i < n; i++ {
		cur, prev := row[i*bps:], row[(i-1)*bps:]
		switch bps {
		case 1:
			cur[0] += prev[0]
		case 2:
			order.PutUint16(cur, order.Uint16(cur)+order.Uint16(prev))
		case 4:
			order.PutUint32(cur, order.Uint32(cur)+order.Uint32(prev))
		case 8:
			order.PutUint64(cur, order.Uint64(cur)+order.Uint64(prev))
		}
	}
}

// undoFloatingPoint reverses TIFF predictor 3 on one row: a byte-wise
// horizontal difference over planes of equal byte significance. The result is
// written back as big-endian samples.
func undoFloatingPoint(row []byte, bps int) {
	for i := 1; i < len(row); i++ {
		row[i] += row[i-1]
	}
	n := len(row) / bps
	planes := make([]byte, len(row))
	copy(planes, row)
	for i := 0; i < n; i++ {
		for b := 0; b < bps; b++ {
			row[i*bps+b] = planes[b*n+i]
		}
	}
}
