// Package configbuilder renders recognition parameters into the INI text the
// recognition service loads as a named configuration.
package configbuilder

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
)

const (
	// ROIScale converts normalised ROI coordinates to sensor pixels.
	ROIScale = 2560

	relativeSyntaxFolder = "syntax"
	relativeDTAFile      = "classreco77k-2016-07-29.dta"
	absoluteSyntaxFolder = "/neurocar/etc/syntax"
	absoluteDTAFile      = "/neurocar/etc/classreco77k-2016-07-29.dta"
)

var ErrNoROIs = errors.New("at least one region of interest is required")

// Point is a normalised ROI vertex in [0, 1].
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ROI is one region of interest with its plate geometry hints.
type ROI struct {
	ID            string  `json:"id"`
	Points        []Point `json:"points"`
	Angle         float64 `json:"angle"`
	Zoom          float64 `json:"zoom"`
	ReflexOffsetH int     `json:"reflexOffsetH"`
	ReflexOffsetV int     `json:"reflexOffsetV"`
	SkewH         float64 `json:"skewH"`
	SkewV         float64 `json:"skewV"`
}

// Parameters are the recognition parameters for one camera.
type Parameters struct {
	ROIs []ROI `json:"rois"`
}

// Builder produces configuration blobs.
type Builder struct {
	// RelativePaths points syntax.folder and dta.file at the service's working
	// directory instead of the device install path.
	RelativePaths bool
}

// Build renders params. The first ROI becomes configuration "main", the rest
// "alt01", "alt02" and so on.
func (b Builder) Build(params Parameters) (string, error) {
	if len(params.ROIs) == 0 {
		return "", ErrNoROIs
	}

	names := ConfigurationNames(len(params.ROIs))
	f := ini.Empty(ini.LoadOptions{IgnoreInlineComment: true})

	global, err := f.NewSection("global")
	if err != nil {
		return "", err
	}
	syntaxFolder, dtaFile := absoluteSyntaxFolder, absoluteDTAFile
	if b.RelativePaths {
		syntaxFolder, dtaFile = relativeSyntaxFolder, relativeDTAFile
	}
	if err := setKeys(global,
		"configurations", strings.Join(names, " "),
		"syntax.folder", syntaxFolder,
		"dta.file", dtaFile,
		"log.file", "/dev/null",
		"log.level", "debug",
	); err != nil {
		return "", err
	}
	global.Key("syntax.folder").Comment = "; system parameters"

	common, err := f.NewSection("common")
	if err != nil {
		return "", err
	}
	if err := setKeys(common,
		"plate.ref.width", "96",
		"required.probability", "0.65",
		"plate.ref.height", "18",
	); err != nil {
		return "", err
	}

	for _, name := range names {
		section, err := f.NewSection(name)
		if err != nil {
			return "", err
		}
		if err := setKeys(section,
			"platerecognizer", "platerecognizer-"+name,
			"classrecognizer", "classrecognizer-"+name,
		); err != nil {
			return "", err
		}
	}

	for i, roi := range params.ROIs {
		if err := plateRecognizerSection(f, names[i], roi); err != nil {
			return "", err
		}
	}

	for _, name := range names {
		section, err := f.NewSection("classrecognizer-" + name)
		if err != nil {
			return "", err
		}
		for _, param := range []string{"skew.h", "skew.v", "angle", "zoom"} {
			if _, err := section.NewKey(param, fmt.Sprintf("%%(platerecognizer-%s/%s)", name, param)); err != nil {
				return "", err
			}
		}
	}

	return render(f), nil
}

// render writes f as plain "key = value" lines. ini.File.WriteTo aligns keys
// through package-level settings shared by every go-ini user in the process.
func render(f *ini.File) string {
	var buf bytes.Buffer
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection && len(section.Keys()) == 0 {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "[%s]\n", section.Name())
		for _, key := range section.Keys() {
			if key.Comment != "" {
				buf.WriteString(key.Comment)
				buf.WriteByte('\n')
			}
			fmt.Fprintf(&buf, "%s = %s\n", key.Name(), key.Value())
		}
	}
	return buf.String()
}

// ConfigurationNames returns "main" followed by "altNN" for every further ROI.
func ConfigurationNames(n int) []string {
	if n <= 0 {
		return nil
	}
	names := make([]string, 0, n)
	names = append(names, "main")
	for i := 1; i < n; i++ {
		names = append(names, fmt.Sprintf("alt%02d", i))
	}
	return names
}

func plateRecognizerSection(f *ini.File, name string, roi ROI) error {
	section, err := f.NewSection("platerecognizer-" + name)
	if err != nil {
		return err
	}
	// a polygon needs three vertices; fewer means the whole frame
	if len(roi.Points) >= 3 {
		if _, err := section.NewKey("roi", formatPolygon(roi.Points)); err != nil {
			return err
		}
	}
	if err := setKeys(section,
		"skew.h", formatNumber(roi.SkewH),
		"skew.v", formatNumber(roi.SkewV),
		"angle", formatNumber(roi.Angle),
		"zoom", formatNumber(roi.Zoom),
	); err != nil {
		return err
	}
	if name == "main" {
		if _, err := section.NewKey("algorithms", "neuronet.signature"); err != nil {
			return err
		}
	}
	return nil
}

func formatPolygon(points []Point) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("%d,%d", int(p.X*ROIScale), int(p.Y*ROIScale))
	}
	return strings.Join(parts, ";")
}

// formatNumber always keeps a decimal point so 2 renders as "2.0".
func formatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !math.IsInf(v, 0) && !math.IsNaN(v) && !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func setKeys(section *ini.Section, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if _, err := section.NewKey(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}
