package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zlib"

	"github.com/HatiCode/deforma/pkg/raster"
)

// Image is a single-band grid to be written as float32 GeoTIFF.
type Image struct {
	Width, Height int
	// Data is row-major, len(Data) == Width*Height.
	Data         []float64
	GeoTransform raster.GeoTransform
	NoData       *float64
}

type writeOptions struct {
	rowsPerStrip int
	deflate      bool
}

// WriteOption configures Write.
type WriteOption func(*writeOptions)

// WithRowsPerStrip sets the strip height. Defaults to 16 rows.
func WithRowsPerStrip(n int) WriteOption {
	return func(o *writeOptions) {
		if n > 0 {
			o.rowsPerStrip = n
		}
	}
}

// WithDeflate compresses strips with zlib/Deflate.
func WithDeflate() WriteOption {
	return func(o *writeOptions) { o.deflate = true }
}

// Write stores img as a little-endian, stripped, float32 GeoTIFF.
func Write(path string, img Image, opts ...WriteOption) error {
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("image %dx%d is empty", img.Width, img.Height)
	}
	if len(img.Data) != img.Width*img.Height {
		return fmt.Errorf("image data has %d samples, want %d", len(img.Data), img.Width*img.Height)
	}

	o := writeOptions{rowsPerStrip: 16}
	for _, opt := range opts {
		opt(&o)
	}
	rps := min(o.rowsPerStrip, img.Height)

	le := binary.LittleEndian
	var buf bytes.Buffer
	buf.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0}) // IFD offset patched below

	var offsets, counts []uint32
	for y0 := 0; y0 < img.Height; y0 += rps {
		rows := min(rps, img.Height-y0)
		strip := make([]byte, 4*rows*img.Width)
		for i, v := range img.Data[y0*img.Width : (y0+rows)*img.Width] {
			le.PutUint32(strip[4*i:], math.Float32bits(float32(v)))
		}

		if o.deflate {
			var z bytes.Buffer
			zw := zlib.NewWriter(&z)
			if _, err := zw.Write(strip); err != nil {
				return fmt.Errorf("deflate strip: %w", err)
			}
			if err := zw.Close(); err != nil {
				return fmt.Errorf("deflate strip: %w", err)
			}
			strip = z.Bytes()
		}

		offsets = append(offsets, uint32(buf.Len()))
		counts = append(counts, uint32(len(strip)))
		buf.Write(strip)
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
	}

	compression := uint16(compressionNone)
	if o.deflate {
		compression = compressionDeflate
	}

	entries := []entry{
		shortEntry(tagImageWidth, uint16(img.Width)),
		shortEntry(tagImageLength, uint16(img.Height)),
		shortEntry(tagBitsPerSample, 32),
		shortEntry(tagCompression, compression),
		shortEntry(tagPhotometric, 1),
		longEntry(tagStripOffsets, offsets...),
		shortEntry(tagSamplesPerPixel, 1),
		longEntry(tagRowsPerStrip, uint32(rps)),
		longEntry(tagStripByteCounts, counts...),
		shortEntry(tagPlanarConfig, 1),
		shortEntry(tagSampleFormat, sampleFormatFloat),
	}
	if img.Width > math.MaxUint16 || img.Height > math.MaxUint16 {
		entries[0] = longEntry(tagImageWidth, uint32(img.Width))
		entries[1] = longEntry(tagImageLength, uint32(img.Height))
	}

	gt := img.GeoTransform
	if gt[2] == 0 && gt[4] == 0 {
		entries = append(entries,
			doubleEntry(tagModelPixelScale, gt[1], -gt[5], 0),
			doubleEntry(tagModelTiepoint, 0, 0, 0, gt[0], gt[3], 0),
		)
	} else {
		entries = append(entries, doubleEntry(tagModelTransformation,
			gt[1], gt[2], 0, gt[0],
			gt[4], gt[5], 0, gt[3],
			0, 0, 0, 0,
			0, 0, 0, 1,
		))
	}
	if img.NoData != nil {
		s := strconv.FormatFloat(*img.NoData, 'g', -1, 64) + "\x00"
		entries = append(entries, entry{tag: tagGDALNoData, typ: typeASCII, count: uint32(len(s)), data: []byte(s)})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdOffset := buf.Len()
	extraOffset := ifdOffset + 2 + 12*len(entries) + 4

	var ifd, extra bytes.Buffer
	binary.Write(&ifd, le, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&ifd, le, e.tag)
		binary.Write(&ifd, le, e.typ)
		binary.Write(&ifd, le, e.count)
		if len(e.data) <= 4 {
			var inline [4]byte
			copy(inline[:], e.data)
			ifd.Write(inline[:])
			continue
		}
		binary.Write(&ifd, le, uint32(extraOffset+extra.Len()))
		extra.Write(e.data)
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
	}
	binary.Write(&ifd, le, uint32(0)) // no next IFD

	out := buf.Bytes()
	le.PutUint32(out[4:8], uint32(ifdOffset))
	out = append(out, ifd.Bytes()...)
	out = append(out, extra.Bytes()...)

	return os.WriteFile(path, out, 0o644)
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shortEntry(tag uint16, vals ...uint16) entry {
	data := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(data[2*i:], v)
	}
	return entry{tag: tag, typ: typeShort, count: uint32(len(vals)), data: data}
}

func longEntry(tag uint16, vals ...uint32) entry {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[4*i:], v)
	}
	return entry{tag: tag, typ: typeLong, count: uint32(len(vals)), data: data}
}

func doubleEntry(tag uint16, vals ...float64) entry {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return entry{tag: tag, typ: typeDouble, count: uint32(len(vals)), data: data}
}
