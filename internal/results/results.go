package results

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"model-run-scheduler/internal/models"
)

var runIDPattern = regexp.MustCompile(`^run-\d+-[a-z0-9]+$`)

// ValidRunID reports whether id has the shape of a generated run id. Only such
// ids are ever joined onto the runs directory.
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// NoFileError is returned when a run directory has no file of the requested type.
type NoFileError struct {
	FileType  string
	Available []string
}

func (e *NoFileError) Error() string {
	return fmt.Sprintf("no %s file found for this model run", e.FileType)
}

// FindFile returns the first file in dir, by name, ending in "."+fileType.
// A missing dir yields models.ErrNotFound.
func FindFile(dir, fileType string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", models.ErrNotFound
		}
		return "", fmt.Errorf("list run dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		if strings.HasSuffix(n, "."+fileType) {
			return n, nil
		}
	}
	return "", &NoFileError{FileType: fileType, Available: names}
}

// Point is one spectrum sample.
type Point struct {
	Wavelength float64 `json:"wavelength"`
	Flux       float64 `json:"flux"`
}

// Spectrum is a parsed .spectrum1 file.
type Spectrum struct {
	Type           string  `json:"type"`
	WavelengthUnit string  `json:"wavelengthUnit"`
	FluxUnit       string  `json:"fluxUnit"`
	Data           []Point `json:"data"`
}

// ColorRow is one age step of a .color1 file.
type ColorRow struct {
	Age     float64 `json:"age"`
	UMinusB float64 `json:"uMinusB"`
	BMinusV float64 `json:"bMinusV"`
	VMinusR float64 `json:"vMinusR"`
	VMinusK float64 `json:"vMinusK"`
}

// Colors is a parsed .color1 file.
type Colors struct {
	Type string     `json:"type"`
	Data []ColorRow `json:"data"`
}

// Raw carries files without a dedicated parser.
type Raw struct {
	Raw string `json:"raw"`
}

// Result is a parsed output file of a run.
type Result struct {
	RunID    string `json:"runId"`
	FileType string `json:"fileType"`
	FileName string `json:"fileName"`
	Data     any    `json:"data"`
}

// Load finds and parses the output file of the given type in dir.
func Load(runID, dir, fileType string) (Result, error) {
	name, err := FindFile(dir, fileType)
	if err != nil {
		return Result{}, err
	}
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	res := Result{RunID: runID, FileType: fileType, FileName: name}
	switch fileType {
	case "spectrum1":
		res.Data, err = ParseSpectrum(f)
	case "color1":
		res.Data, err = ParseColors(f)
	default:
		var b []byte
		b, err = io.ReadAll(f)
		res.Data = Raw{Raw: string(b)}
	}
	if err != nil {
		return Result{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return res, nil
}

// fields yields the whitespace-split fields of every non-blank, non-comment line.
func fields(r io.Reader, fn func([]string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fn(strings.Fields(line))
	}
	return sc.Err()
}

func floats(parts []string, n int) ([]float64, bool) {
	if len(parts) < n {
		return nil, false
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// ParseSpectrum reads wavelength/flux pairs. Malformed lines are skipped.
func ParseSpectrum(r io.Reader) (Spectrum, error) {
	s := Spectrum{Type: "spectrum", WavelengthUnit: "Angstrom", FluxUnit: "erg/s/cm2/A", Data: []Point{}}
	err := fields(r, func(parts []string) {
		if v, ok := floats(parts, 2); ok {
			s.Data = append(s.Data, Point{Wavelength: v[0], Flux: v[1]})
		}
	})
	return s, err
}

// ParseColors reads age and U-B, B-V, V-R, V-K colors. Lines with fewer than
// five numbers are skipped.
func ParseColors(r io.Reader) (Colors, error) {
	c := Colors{Type: "colors", Data: []ColorRow{}}
	err := fields(r, func(parts []string) {
		if v, ok := floats(parts, 5); ok {
			c.Data = append(c.Data, ColorRow{Age: v[0], UMinusB: v[1], BMinusV: v[2], VMinusR: v[3], VMinusK: v[4]})
		}
	})
	return c, err
}
