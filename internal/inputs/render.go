package inputs

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
	"unicode"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"gopkg.in/yaml.v3"
)

// StandardInput is the file name the model executable reads its input from.
const StandardInput = "standard.input1"

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewRunID returns run-<unix millis>-<8 random [a-z0-9]>.
func NewRunID(now time.Time) (string, error) {
	suffix, err := gonanoid.Generate(idAlphabet, 8)
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return fmt.Sprintf("run-%d-%s", now.UnixMilli(), suffix), nil
}

// Params are the tunable model parameters. Zero values take the preset defaults.
type Params struct {
	Metallicity   string  `json:"metallicity" yaml:"metallicity" validate:"omitempty,numeric"`
	IMF           string  `json:"imf" yaml:"imf" validate:"omitempty,max=32"`
	StarFormation string  `json:"starFormation" yaml:"star_formation" validate:"omitempty,oneof=instantaneous continuous"`
	TimeMin       float64 `json:"time_min" yaml:"time_min" validate:"gte=0"`
	TimeMax       float64 `json:"time_max" yaml:"time_max" validate:"gte=0"`
	TimeStep      float64 `json:"time_step" yaml:"time_step" validate:"gte=0"`
	MassMin       float64 `json:"mass_min" yaml:"mass_min" validate:"gte=0"`
	MassMax       float64 `json:"mass_max" yaml:"mass_max" validate:"gte=0"`
}

type imfPreset struct {
	Exponents  string `yaml:"exponents"`
	Boundaries string `yaml:"boundaries"`
}

type presetFile struct {
	Defaults    Params               `yaml:"defaults"`
	IMF         map[string]imfPreset `yaml:"imf"`
	Metallicity map[string]string    `yaml:"metallicity"`
}

//go:embed presets.yaml
var presetsYAML []byte

var presets = mustLoadPresets(presetsYAML)

func mustLoadPresets(data []byte) presetFile {
	var p presetFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		panic(fmt.Sprintf("inputs: invalid presets: %v", err))
	}
	return p
}

// Defaults returns the preset parameter values.
func Defaults() Params { return presets.Defaults }

func (p Params) withDefaults() Params {
	d := presets.Defaults
	if p.Metallicity == "" {
		p.Metallicity = d.Metallicity
	}
	if p.IMF == "" {
		p.IMF = d.IMF
	}
	if p.StarFormation == "" {
		p.StarFormation = d.StarFormation
	}
	if p.TimeMin == 0 {
		p.TimeMin = d.TimeMin
	}
	if p.TimeMax == 0 {
		p.TimeMax = d.TimeMax
	}
	if p.TimeStep == 0 {
		p.TimeStep = d.TimeStep
	}
	if p.MassMin == 0 {
		p.MassMin = d.MassMin
	}
	if p.MassMax == 0 {
		p.MassMax = d.MassMax
	}
	return p
}

var inputTemplate = template.Must(template.New("input").Funcs(template.FuncMap{"num": num}).Parse(`Model name
{{.Name}}
Star formation
{{.SFMode}}
Total mass
1.0
SFR
1.0
Number of intervals for the IMF
2
Exponents for the IMF
{{.IMF.Exponents}}
Mass boundaries for the IMF
{{.IMF.Boundaries}}
SN cut off
8.0
Black hole cut off
120.0
Metallicity
{{.Z}}
Mass loss
0
Time
{{num .P.TimeMin}}
Time scale
0
Delta t
{{num .P.TimeStep}}
Number of time intervals
1000
Maximum time
{{num .P.TimeMax}}
Grid
3
Lmin
0
Lmax
0
Delta output
2.0
Atmosphere
5
Highres metallicity
3
UV line metallicity
1
Turb. vel.
3
RSG abundance
0
Output files
1 1 -1 1 1 1 1 1 1 1 1 1 1 1 1
`))

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// singleLine keeps the name on its own line of the input file.
func singleLine(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s))
}

// Render produces the model input file for a run. Unknown IMF names fall back
// to kroupa and unknown metallicities to solar.
func Render(modelName string, p Params) (string, error) {
	p = p.withDefaults()

	imf, ok := presets.IMF[p.IMF]
	if !ok {
		imf = presets.IMF[presets.Defaults.IMF]
	}
	z, ok := presets.Metallicity[p.Metallicity]
	if !ok {
		z = presets.Metallicity[presets.Defaults.Metallicity]
	}
	sfMode := "1"
	if p.StarFormation == "instantaneous" {
		sfMode = "-1"
	}

	var b strings.Builder
	err := inputTemplate.Execute(&b, struct {
		Name   string
		SFMode string
		IMF    imfPreset
		Z      string
		P      Params
	}{Name: singleLine(modelName), SFMode: sfMode, IMF: imf, Z: z, P: p})
	if err != nil {
		return "", fmt.Errorf("render input: %w", err)
	}
	return b.String(), nil
}
