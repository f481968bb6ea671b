package geotiff

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// TIFF tags read or written by this driver.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfig        = 284
	tagPredictor           = 317
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagSampleFormat        = 339
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGDALNoData          = 42113
)

// TIFF field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
)

const (
	compressionNone       = 1
	compressionDeflate    = 8
	compressionDeflateOld = 32946

	predictorNone          = 1
	predictorHorizontal    = 2
	predictorFloatingPoint = 3

	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

var typeSize = map[uint16]int{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeSByte: 1, typeUndefined: 1, typeSShort: 2, typeSLong: 4, typeSRational: 8,
	typeFloat: 4, typeDouble: 8,
}

// field is one decoded IFD entry with its raw value bytes.
type field struct {
	typ   uint16
	count uint32
	raw   []byte
}

func (f field) uints(order binary.ByteOrder) ([]uint64, error) {
	out := make([]uint64, f.count)
	for i := range out {
		switch f.typ {
		case typeByte, typeUndefined:
			out[i] = uint64(f.raw[i])
		case typeShort:
			out[i] = uint64(order.Uint16(f.raw[2*i:]))
		case typeLong:
			out[i] = uint64(order.Uint32(f.raw[4*i:]))
		default:
			return nil, fmt.Errorf("field type %d is not an unsigned integer", f.typ)
		}
	}
	return out, nil
}

func (f field) floats(order binary.ByteOrder) ([]float64, error) {
	out := make([]float64, f.count)
	for i := range out {
		switch f.typ {
		case typeDouble:
			out[i] = math.Float64frombits(order.Uint64(f.raw[8*i:]))
		case typeFloat:
			out[i] = float64(math.Float32frombits(order.Uint32(f.raw[4*i:])))
		case typeRational:
			num, den := order.Uint32(f.raw[8*i:]), order.Uint32(f.raw[8*i+4:])
			out[i] = float64(num) / float64(den)
		default:
			u, err := f.uints(order)
			if err != nil {
				return nil, err
			}
			out[i] = float64(u[i])
		}
	}
	return out, nil
}

func (f field) ascii() string {
	return strings.TrimRight(string(f.raw), "\x00 ")
}
