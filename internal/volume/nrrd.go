package volume

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var ErrUnsupportedNRRD = errors.New("unsupported nrrd")

var nrrdVectorPattern = regexp.MustCompile(`\([^)]*\)`)

type nrrdType struct {
	size   int
	decode func(order binary.ByteOrder, b []byte) float64
}

var nrrdTypes = map[string]nrrdType{
	"uchar":  {1, func(_ binary.ByteOrder, b []byte) float64 { return float64(b[0]) }},
	"char":   {1, func(_ binary.ByteOrder, b []byte) float64 { return float64(int8(b[0])) }},
	"short":  {2, func(o binary.ByteOrder, b []byte) float64 { return float64(int16(o.Uint16(b))) }},
	"ushort": {2, func(o binary.ByteOrder, b []byte) float64 { return float64(o.Uint16(b)) }},
	"int":    {4, func(o binary.ByteOrder, b []byte) float64 { return float64(int32(o.Uint32(b))) }},
	"uint":   {4, func(o binary.ByteOrder, b []byte) float64 { return float64(o.Uint32(b)) }},
	"float":  {4, func(o binary.ByteOrder, b []byte) float64 { return float64(math.Float32frombits(o.Uint32(b))) }},
	"double": {8, func(o binary.ByteOrder, b []byte) float64 { return math.Float64frombits(o.Uint64(b)) }},
}

var nrrdTypeAliases = map[string]string{
	"unsigned char": "uchar", "uint8": "uchar", "uint8_t": "uchar",
	"signed char": "char", "int8": "char", "int8_t": "char",
	"signed short": "short", "short int": "short", "int16": "short", "int16_t": "short",
	"unsigned short": "ushort", "uint16": "ushort", "uint16_t": "ushort",
	"signed int": "int", "int32": "int", "int32_t": "int",
	"unsigned int": "uint", "uint32": "uint", "uint32_t": "uint",
	"float32": "float", "float64": "double",
}

// ReadNRRD decodes an attached-data NRRD volume with raw or gzip encoding.
func ReadNRRD(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	magic, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read nrrd magic: %w", err)
	}
	if !strings.HasPrefix(magic, "NRRD000") {
		return nil, fmt.Errorf("%w: missing NRRD magic", ErrUnsupportedNRRD)
	}
	fields := make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read nrrd header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrUnsupportedNRRD, line)
		}
		// key:=value lines are key/value pairs, not fields.
		if strings.HasPrefix(value, "=") {
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	if _, ok := fields["data file"]; ok {
		return nil, fmt.Errorf("%w: detached data files", ErrUnsupportedNRRD)
	}

	typeName := strings.ToLower(fields["type"])
	if alias, ok := nrrdTypeAliases[typeName]; ok {
		typeName = alias
	}
	kind, ok := nrrdTypes[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: type %q", ErrUnsupportedNRRD, fields["type"])
	}
	size, err := parseInts(fields["sizes"])
	if err != nil {
		return nil, fmt.Errorf("parse sizes: %w", err)
	}
	if dim, err := strconv.Atoi(fields["dimension"]); err != nil || dim != len(size) {
		return nil, fmt.Errorf("%w: dimension %q does not match sizes", ErrUnsupportedNRRD, fields["dimension"])
	}
	spacing, err := nrrdSpacing(fields, len(size))
	if err != nil {
		return nil, err
	}
	var origin []float64
	if raw, ok := fields["space origin"]; ok {
		if origin, err = parseVector(raw); err != nil {
			return nil, fmt.Errorf("parse space origin: %w", err)
		}
	}
	grid, err := NewGridAt(size, spacing, origin)
	if err != nil {
		return nil, err
	}

	var order binary.ByteOrder = binary.LittleEndian
	if strings.ToLower(fields["endian"]) == "big" {
		order = binary.BigEndian
	}
	var body io.Reader = br
	switch enc := strings.ToLower(fields["encoding"]); enc {
	case "raw":
	case "gzip", "gz":
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		defer zr.Close()
		body = zr
	default:
		return nil, fmt.Errorf("%w: encoding %q", ErrUnsupportedNRRD, enc)
	}

	raw := make([]byte, grid.Len()*kind.size)
	if _, err := io.ReadFull(body, raw); err != nil {
		return nil, fmt.Errorf("read nrrd data: %w", err)
	}
	img := NewImage(grid)
	for i := range img.Data {
		img.Data[i] = kind.decode(order, raw[i*kind.size:(i+1)*kind.size])
	}
	return img, nil
}

// WriteNRRD encodes img as gzip-compressed little-endian doubles.
func WriteNRRD(w io.Writer, img *Image) error {
	g := img.Grid
	var b strings.Builder
	b.WriteString("NRRD0004\n")
	b.WriteString("# regkit volume\n")
	b.WriteString("type: double\n")
	fmt.Fprintf(&b, "dimension: %d\n", g.NDim)
	fmt.Fprintf(&b, "space dimension: %d\n", g.NDim)
	fmt.Fprintf(&b, "sizes: %s\n", joinInts(g.Size[:g.NDim]))
	b.WriteString("space directions:")
	for d := 0; d < g.NDim; d++ {
		axis := make([]float64, g.NDim)
		axis[d] = g.Spacing[d]
		b.WriteString(" " + formatVector(axis))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "space origin: %s\n", formatVector(g.Origin[:g.NDim]))
	b.WriteString("encoding: gzip\n")
	b.WriteString("endian: little\n\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write nrrd header: %w", err)
	}

	zw := gzip.NewWriter(w)
	buf := make([]byte, 8)
	for _, v := range img.Data {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		if _, err := zw.Write(buf); err != nil {
			return fmt.Errorf("write nrrd data: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close nrrd data: %w", err)
	}
	return nil
}

// WriteFieldNRRD encodes f as a vector volume with the components on the
// fastest axis.
func WriteFieldNRRD(w io.Writer, f *Field) error {
	g := f.Grid
	n := g.NDim
	var b strings.Builder
	b.WriteString("NRRD0004\n")
	b.WriteString("# regkit displacement\n")
	b.WriteString("type: double\n")
	fmt.Fprintf(&b, "dimension: %d\n", n+1)
	fmt.Fprintf(&b, "space dimension: %d\n", n)
	fmt.Fprintf(&b, "sizes: %d %s\n", n, joinInts(g.Size[:n]))
	b.WriteString("kinds: vector" + strings.Repeat(" domain", n) + "\n")
	b.WriteString("space directions: none")
	for d := 0; d < n; d++ {
		axis := make([]float64, n)
		axis[d] = g.Spacing[d]
		b.WriteString(" " + formatVector(axis))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "space origin: %s\n", formatVector(g.Origin[:n]))
	b.WriteString("encoding: gzip\n")
	b.WriteString("endian: little\n\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write nrrd header: %w", err)
	}

	zw := gzip.NewWriter(w)
	buf := make([]byte, 8)
	for _, v := range f.Data {
		for d := 0; d < n; d++ {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v[d]))
			if _, err := zw.Write(buf); err != nil {
				return fmt.Errorf("write nrrd data: %w", err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close nrrd data: %w", err)
	}
	return nil
}

func WriteFieldNRRDFile(path string, f *Field) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteFieldNRRD(out, f); err != nil {
		_ = out.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return out.Close()
}

func ReadNRRDFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := ReadNRRD(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func WriteNRRDFile(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteNRRD(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func nrrdSpacing(fields map[string]string, ndim int) ([]float64, error) {
	if raw, ok := fields["spacings"]; ok {
		spacing, err := parseFloats(raw)
		if err != nil {
			return nil, fmt.Errorf("parse spacings: %w", err)
		}
		return spacing, nil
	}
	spacing := make([]float64, ndim)
	raw, ok := fields["space directions"]
	if !ok {
		for d := range spacing {
			spacing[d] = 1
		}
		return spacing, nil
	}
	vectors := nrrdVectorPattern.FindAllString(raw, -1)
	if len(vectors) != ndim {
		return nil, fmt.Errorf("%w: %d space directions for %d axes", ErrUnsupportedNRRD, len(vectors), ndim)
	}
	for d, vec := range vectors {
		axis, err := parseVector(vec)
		if err != nil {
			return nil, fmt.Errorf("parse space directions: %w", err)
		}
		var norm float64
		for _, c := range axis {
			norm += c * c
		}
		spacing[d] = math.Sqrt(norm)
	}
	return spacing, nil
}

func parseVector(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "(") || !strings.HasSuffix(raw, ")") {
		return nil, fmt.Errorf("malformed vector %q", raw)
	}
	return parseFloats(strings.ReplaceAll(raw[1:len(raw)-1], ",", " "))
}

func parseFloats(raw string) ([]float64, error) {
	parts := strings.Fields(raw)
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseInts(raw string) ([]int, error) {
	parts := strings.Fields(raw)
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, " ")
}

func formatVector(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "(" + strings.Join(parts, ",") + ")"
}
