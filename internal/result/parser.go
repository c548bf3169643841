package result

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

const (
	snippetLimit             = 200
	defaultVehicleConfidence = 0.8
	minVehicleConfidence     = 0.1
)

type xmlPayload struct {
	Timestamp *xmlTimestamp `xml:"timestamp"`
	Groups    []xmlGroup    `xml:"exdata"`
}

type xmlTimestamp struct {
	Date        *string `xml:"date"`
	Time        *string `xml:"time"`
	Millisecond *string `xml:"ms"`
}

type xmlGroup struct {
	Fragments []xmlFragment `xml:"data"`
}

type xmlFragment struct {
	Name   string     `xml:"name,attr"`
	Source string     `xml:"source,attr"`
	Values []xmlValue `xml:"value"`
}

type xmlValue struct {
	Name string `xml:"name,attr"`
	Text string `xml:",chardata"`
}

func (f xmlFragment) values() map[string]string {
	values := make(map[string]string, len(f.Values))
	for _, v := range f.Values {
		values[v.Name] = strings.TrimSpace(v.Text)
	}
	return values
}

// Parse converts a raw recognition payload into an AnalysisResult. It never
// fails: empty or malformed input yields Success=false with Error set.
func Parse(raw []byte) *AnalysisResult {
	res := newAnalysisResult()

	if len(bytes.TrimSpace(raw)) == 0 {
		res.Error = &Failure{Kind: FailureParse, Message: "empty payload"}
		return res
	}

	payload, err := decodePayload(raw)
	if err != nil {
		res.Error = &Failure{
			Kind:    FailureParse,
			Message: fmt.Sprintf("malformed payload: %v", err),
			Snippet: Snippet(raw),
		}
		return res
	}

	res.Timestamp = parseTimestamp(payload.Timestamp)

	variants := 0
	for idx, group := range payload.Groups {
		vehicle, seen := parseGroup(idx, group, res)
		variants += seen
		if len(vehicle.Plates) == 0 && !vehicle.HasAttributes && vehicle.Signature == "" {
			continue
		}
		res.Vehicles = append(res.Vehicles, vehicle)
		res.Plates = append(res.Plates, vehicle.Plates...)
	}

	res.Summary = summarize(res, variants)
	res.Success = len(res.Plates) > 0 || len(res.Vehicles) > 0 || res.Signature != ""
	return res
}

// decodePayload decodes the single root element of raw. Text outside the root,
// a second root or trailing garbage make the document malformed.
func decodePayload(raw []byte) (*xmlPayload, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charset.NewReaderLabel

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no root element")
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var payload xmlPayload
			if err := dec.DecodeElement(&payload, &t); err != nil {
				return nil, err
			}
			if err := expectDocumentEnd(dec); err != nil {
				return nil, err
			}
			return &payload, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return nil, errors.New("text before root element")
			}
		}
	}
}

func expectDocumentEnd(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return fmt.Errorf("second root element <%s>", t.Name.Local)
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return errors.New("text after root element")
			}
		}
	}
}

// Snippet returns at most the first 200 characters of raw for diagnostics.
func Snippet(raw []byte) string {
	s := string(raw)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "?")
	}
	if utf8.RuneCountInString(s) <= snippetLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:snippetLimit])
}

func parseTimestamp(ts *xmlTimestamp) *Timestamp {
	if ts == nil || ts.Date == nil || ts.Time == nil || ts.Millisecond == nil {
		return nil
	}
	out := &Timestamp{
		Date:        strings.TrimSpace(*ts.Date),
		Time:        strings.TrimSpace(*ts.Time),
		Millisecond: strings.TrimSpace(*ts.Millisecond),
	}
	if out.Date == "" || out.Time == "" || out.Millisecond == "" {
		return nil
	}
	return out
}

// parseGroup builds the vehicle for one <exdata> group and merges group-level
// signature and radar data into res. It returns the number of plate-variant
// fragments seen, discarded ones included.
func parseGroup(idx int, group xmlGroup, res *AnalysisResult) (VehicleDetection, int) {
	vehicle := VehicleDetection{
		GroupIndex: idx,
		Plates:     []PlateDetection{},
		Confidence: defaultVehicleConfidence,
		Parameters: map[string]string{},
	}
	variants := 0

	for _, frag := range group.Fragments {
		values := frag.values()
		switch {
		case strings.Contains(frag.Name, "plate") && !strings.Contains(frag.Name, "trace"):
			variants++
			if plate, ok := buildPlate(values, frag.Source, idx); ok {
				vehicle.Plates = append(vehicle.Plates, plate)
			}
		case frag.Name == "vehicle":
			// one vehicle per group; later vehicle fragments are ignored
			if len(values) == 0 || vehicle.HasAttributes {
				continue
			}
			applyVehicleAttributes(&vehicle, values)
		case frag.Name == "neuralnet":
			if sig, ok := values["signature"]; ok && sig != "" {
				vehicle.Signature = sig
				res.Signature = sig
			}
		case frag.Name == "parameters":
			for k, v := range values {
				vehicle.Parameters[k] = v
				res.ProcessingParameters[k] = v
			}
		case frag.Name == "zur" || strings.Contains(frag.Source, "radar"):
			for k, v := range values {
				res.RadarData[k] = v
			}
		}
	}
	return vehicle, variants
}

func buildPlate(values map[string]string, source string, groupIdx int) (PlateDetection, bool) {
	symbol := values["symbol"]
	country := values["country"]
	if symbol == "" && country == "" {
		return PlateDetection{}, false
	}

	level := parseFloat(values["level"], 0)
	return PlateDetection{
		Symbol:     symbol,
		Country:    country,
		Level:      level,
		Confidence: clamp(level/100, 0, 1),
		Position:   values["position"],
		Prefix:     values["prefix"],
		Type:       values["type"],
		DoubleLine: parseBool(values["doubleline"]),
		SourceTag:  source,
		GroupIndex: groupIdx,
	}, true
}

func applyVehicleAttributes(v *VehicleDetection, values map[string]string) {
	v.HasAttributes = true
	v.Manufacturer = values["manufacturer"]
	v.Model = values["model"]
	v.Color = values["color"]
	v.Type = values["type"]
	v.Speed = values["speed"]
	v.Direction = parseInt(values["direction"], 0)
	v.EstimatedSpeed = parseFloat(values["estimatedspeed"], 0)
	v.MMRPatternIndex = parseInt(values["mmrpatternindex"], 0)

	divergence := parseFloat(values["mmrpatterndivergence"], 0)
	if divergence < 0 {
		divergence = 0
	}
	v.MMRPatternDivergence = divergence
	v.Confidence = VehicleConfidence(divergence)
}

// VehicleConfidence derives a make/model confidence from the pattern
// divergence reported by the service.
func VehicleConfidence(divergence float64) float64 {
	if divergence > 0 {
		return math.Max(minVehicleConfidence, 1/(1+divergence))
	}
	return defaultVehicleConfidence
}

func summarize(res *AnalysisResult, variants int) Summary {
	s := Summary{
		PlateCount:        len(res.Plates),
		VehicleCount:      len(res.Vehicles),
		PlateVariantCount: variants,
		HasSignature:      res.Signature != "",
		HasTimestamp:      res.Timestamp != nil,
		HasRadarData:      len(res.RadarData) > 0,
	}
	for _, p := range res.Plates {
		if p.Confidence > s.BestPlateConfidence {
			s.BestPlateConfidence = p.Confidence
		}
	}
	return s
}

func parseFloat(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return f
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		// accept decimal notation such as "3.0"
		f := parseFloat(s, math.NaN())
		if math.IsNaN(f) {
			return fallback
		}
		return int(f)
	}
	return n
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
