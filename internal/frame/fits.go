package frame

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// Minimal FITS codec for the frames this system persists: 16-bit integer
// images, two or three axes, single HDU. Capture settings and combination
// metadata ride in header keywords so a reloaded master reproduces its
// fingerprint without a sidecar file.

const fitsBlockSize = 2880
const fitsCardSize = 80

const (
	keyExposure  = "EXPTIME"
	keyGain      = "GAIN"
	keyOffset    = "OFFSET"
	keyReadout   = "READOUTM"
	keyFrameType = "FRAMETYP"
	keyNFrames   = "NFRAMES"
	keyMethod    = "COMBMETH"
	keyNorm      = "NORMMETH"
	keyStackSt   = "STACKST"
	keyStackEnd  = "STACKEND"
	keyRA        = "RA"
	keyDec       = "DEC"
)

// FITSMeta carries the header keywords this system reads and writes
// beyond the mandatory geometry cards.
type FITSMeta struct {
	FrameType  string // "light", "dark", "bias", "flat", "stack"
	NFrames    int
	Method     string
	NormMethod string
	StackStart time.Time
	StackEnd   time.Time
}

// EncodeFITS writes the frame as a 16-bit FITS image. Pixel values are
// clamped to [0, 65535] and stored with BZERO 32768 per convention.
func EncodeFITS(w io.Writer, f *Frame, meta FITSMeta) error {
	cards := []string{
		cardLogical("SIMPLE", true, "conforms to FITS standard"),
		cardInt("BITPIX", 16, "16-bit signed integers"),
	}
	if f.Channels > 1 {
		cards = append(cards,
			cardInt("NAXIS", 3, ""),
			cardInt("NAXIS1", f.Width, ""),
			cardInt("NAXIS2", f.Height, ""),
			cardInt("NAXIS3", f.Channels, ""),
		)
	} else {
		cards = append(cards,
			cardInt("NAXIS", 2, ""),
			cardInt("NAXIS1", f.Width, ""),
			cardInt("NAXIS2", f.Height, ""),
		)
	}
	cards = append(cards,
		cardFloat("BZERO", 32768, "offset for unsigned data"),
		cardFloat("BSCALE", 1, ""),
		cardFloat(keyExposure, f.Settings.ExposureTime, "exposure time (s)"),
		cardInt(keyGain, f.Settings.Gain, "camera gain"),
		cardInt(keyOffset, f.Settings.Offset, "camera offset"),
		cardInt(keyReadout, f.Settings.ReadoutMode, "camera readout mode"),
	)
	if meta.FrameType != "" {
		cards = append(cards, cardString(keyFrameType, meta.FrameType, "frame type"))
	}
	if meta.NFrames > 0 {
		cards = append(cards, cardInt(keyNFrames, meta.NFrames, "source frame count"))
	}
	if meta.Method != "" {
		cards = append(cards, cardString(keyMethod, meta.Method, "combination method"))
	}
	if meta.NormMethod != "" {
		cards = append(cards, cardString(keyNorm, meta.NormMethod, "normalization method"))
	}
	if !meta.StackStart.IsZero() {
		cards = append(cards, cardFloat(keyStackSt, float64(meta.StackStart.UnixMilli())/1000.0, "stack start, epoch seconds"))
	}
	if !meta.StackEnd.IsZero() {
		cards = append(cards, cardFloat(keyStackEnd, float64(meta.StackEnd.UnixMilli())/1000.0, "stack end, epoch seconds"))
	}
	if f.HasCoords {
		cards = append(cards, cardFloat(keyRA, f.RA, "right ascension (deg)"))
		cards = append(cards, cardFloat(keyDec, f.Dec, "declination (deg)"))
	}
	cards = append(cards, padCard("END"))

	var hdr strings.Builder
	for _, c := range cards {
		hdr.WriteString(c)
	}
	for hdr.Len()%fitsBlockSize != 0 {
		hdr.WriteString(strings.Repeat(" ", fitsCardSize))
	}
	if _, err := io.WriteString(w, hdr.String()); err != nil {
		return fmt.Errorf("write FITS header: %w", err)
	}

	// Data in planar order, NAXIS1 varying fastest.
	n := f.Width * f.Height
	buf := make([]byte, 2*n*f.Channels)
	for c := 0; c < f.Channels; c++ {
		for i := 0; i < n; i++ {
			v := f.Pix[i*f.Channels+c]
			if v < 0 {
				v = 0
			}
			if v > 65535 {
				v = 65535
			}
			stored := int16(int32(math.Round(v)) - 32768)
			binary.BigEndian.PutUint16(buf[2*(c*n+i):], uint16(stored))
		}
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write FITS data: %w", err)
	}
	if pad := len(buf) % fitsBlockSize; pad != 0 {
		if _, err := w.Write(make([]byte, fitsBlockSize-pad)); err != nil {
			return fmt.Errorf("write FITS padding: %w", err)
		}
	}
	return nil
}

// DecodeFITS reads a 16-bit FITS image written by EncodeFITS (or any
// compatible single-HDU file) back into a Frame.
func DecodeFITS(r io.Reader) (*Frame, FITSMeta, error) {
	headers := map[string]string{}
	block := make([]byte, fitsBlockSize)
	done := false
	for !done {
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, FITSMeta{}, fmt.Errorf("read FITS header: %w", err)
		}
		for i := 0; i < fitsBlockSize; i += fitsCardSize {
			card := string(block[i : i+fitsCardSize])
			key := strings.TrimSpace(card[:8])
			if key == "END" {
				done = true
				break
			}
			if key == "" || key == "COMMENT" || key == "HISTORY" || len(card) < 10 || card[8] != '=' {
				continue
			}
			val := card[10:]
			if idx := strings.Index(val, " / "); idx >= 0 && !strings.HasPrefix(strings.TrimSpace(val), "'") {
				val = val[:idx]
			}
			headers[key] = strings.TrimSpace(val)
		}
	}

	bitpix, err := headerInt(headers, "BITPIX")
	if err != nil {
		return nil, FITSMeta{}, err
	}
	if bitpix != 16 {
		return nil, FITSMeta{}, fmt.Errorf("unsupported FITS BITPIX %d", bitpix)
	}
	naxis, err := headerInt(headers, "NAXIS")
	if err != nil {
		return nil, FITSMeta{}, err
	}
	if naxis != 2 && naxis != 3 {
		return nil, FITSMeta{}, fmt.Errorf("unsupported FITS NAXIS %d", naxis)
	}
	width, err := headerInt(headers, "NAXIS1")
	if err != nil {
		return nil, FITSMeta{}, err
	}
	height, err := headerInt(headers, "NAXIS2")
	if err != nil {
		return nil, FITSMeta{}, err
	}
	channels := 1
	if naxis == 3 {
		if channels, err = headerInt(headers, "NAXIS3"); err != nil {
			return nil, FITSMeta{}, err
		}
	}
	bzero := headerFloat(headers, "BZERO", 0)
	bscale := headerFloat(headers, "BSCALE", 1)

	f := New(width, height, channels)
	f.Settings = Settings{
		ExposureTime: headerFloat(headers, keyExposure, 0),
		Gain:         headerIntDefault(headers, keyGain, 0),
		Offset:       headerIntDefault(headers, keyOffset, 0),
		ReadoutMode:  headerIntDefault(headers, keyReadout, 0),
	}
	if ra, ok := headers[keyRA]; ok {
		f.RA, _ = strconv.ParseFloat(ra, 64)
		f.Dec = headerFloat(headers, keyDec, 0)
		f.HasCoords = true
	}

	meta := FITSMeta{
		FrameType:  headerString(headers, keyFrameType),
		NFrames:    headerIntDefault(headers, keyNFrames, 0),
		Method:     headerString(headers, keyMethod),
		NormMethod: headerString(headers, keyNorm),
	}
	if v := headerFloat(headers, keyStackSt, 0); v != 0 {
		meta.StackStart = time.UnixMilli(int64(v * 1000))
	}
	if v := headerFloat(headers, keyStackEnd, 0); v != 0 {
		meta.StackEnd = time.UnixMilli(int64(v * 1000))
	}

	n := width * height
	buf := make([]byte, 2*n*channels)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, FITSMeta{}, fmt.Errorf("read FITS data: %w", err)
	}
	for c := 0; c < channels; c++ {
		for i := 0; i < n; i++ {
			stored := int16(binary.BigEndian.Uint16(buf[2*(c*n+i):]))
			f.Pix[i*channels+c] = bzero + bscale*float64(stored)
		}
	}
	return f, meta, nil
}

func cardLogical(key string, v bool, comment string) string {
	val := "F"
	if v {
		val = "T"
	}
	return formatCard(key, fmt.Sprintf("%20s", val), comment)
}

func cardInt(key string, v int, comment string) string {
	return formatCard(key, fmt.Sprintf("%20d", v), comment)
}

func cardFloat(key string, v float64, comment string) string {
	return formatCard(key, fmt.Sprintf("%20s", strconv.FormatFloat(v, 'f', -1, 64)), comment)
}

func cardString(key, v, comment string) string {
	return formatCard(key, fmt.Sprintf("'%s'", v), comment)
}

func formatCard(key, value, comment string) string {
	card := fmt.Sprintf("%-8s= %s", key, value)
	if comment != "" {
		card += " / " + comment
	}
	return padCard(card)
}

func padCard(card string) string {
	if len(card) > fitsCardSize {
		card = card[:fitsCardSize]
	}
	return card + strings.Repeat(" ", fitsCardSize-len(card))
}

func headerInt(h map[string]string, key string) (int, error) {
	raw, ok := h[key]
	if !ok {
		return 0, fmt.Errorf("FITS header missing %s", key)
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("FITS header %s: %w", key, err)
	}
	return v, nil
}

func headerIntDefault(h map[string]string, key string, def int) int {
	if raw, ok := h[key]; ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return int(v)
		}
	}
	return def
}

func headerFloat(h map[string]string, key string, def float64) float64 {
	if raw, ok := h[key]; ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return v
		}
	}
	return def
}

func headerString(h map[string]string, key string) string {
	raw, ok := h[key]
	if !ok {
		return ""
	}
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "'")
	if idx := strings.Index(raw, "'"); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.TrimSpace(raw)
}
