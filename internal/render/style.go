package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

var (
	ErrRender       = errors.New("render: failed")
	ErrInvalidStyle = errors.New("render: invalid style")
)

// Style is one of PointStyle, LineStyle or PolygonStyle.
type Style interface {
	Kind() string
	paint() paint
}

// PointStyle draws a filled and stroked marker of Size pixels.
type PointStyle struct {
	Mark        string // circle or square
	Fill        color.NRGBA
	Stroke      color.NRGBA
	StrokeWidth float64
	Size        float64
}

// LineStyle strokes paths StrokeWidth pixels wide.
type LineStyle struct {
	Stroke      color.NRGBA
	StrokeWidth float64
}

// PolygonStyle fills areas at FillOpacity and strokes their outline.
type PolygonStyle struct {
	Fill        color.NRGBA
	FillOpacity float64
	Stroke      color.NRGBA
	StrokeWidth float64
}

func (PointStyle) Kind() string   { return "point" }
func (LineStyle) Kind() string    { return "line" }
func (PolygonStyle) Kind() string { return "polygon" }

var (
	red   = color.NRGBA{R: 0xff, A: 0xff}
	black = color.NRGBA{A: 0xff}
)

// DefaultStyle is used when a request carries no style: a solid red fill
// with a thin black outline.
func DefaultStyle() Style {
	return PolygonStyle{Fill: red, FillOpacity: 1, Stroke: black, StrokeWidth: 1}
}

// paint is the flattened form every style is drawn with.
type paint struct {
	mark   string
	fill   color.NRGBA
	filled bool
	stroke color.NRGBA
	width  float64
	size   float64
}

func (s PointStyle) paint() paint {
	return paint{mark: s.Mark, fill: s.Fill, filled: true, stroke: s.Stroke, width: s.StrokeWidth, size: s.Size}
}

func (s LineStyle) paint() paint {
	return paint{mark: "circle", stroke: s.Stroke, width: s.StrokeWidth, size: 6}
}

func (s PolygonStyle) paint() paint {
	fill := s.Fill
	fill.A = uint8(float64(fill.A)*clamp01(s.FillOpacity) + 0.5)
	return paint{mark: "circle", fill: fill, filled: true, stroke: s.Stroke, width: s.StrokeWidth, size: 6}
}

// ParseStyle decodes a style payload such as
//
//	{"geometryType":"line","stroke":"#0000FF","stroke-width":3}
//
// Numbers may be given as JSON numbers or strings. A missing geometryType
// means polygon; any other unknown kind is ErrInvalidStyle.
func ParseStyle(data []byte) (Style, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStyle, err)
	}
	p := &propReader{m: raw}

	kind := strings.ToLower(p.str("geometryType", "polygon"))
	switch kind {
	case "point":
		s := PointStyle{Mark: strings.ToLower(p.str("mark", "circle"))}
		if s.Mark != "circle" && s.Mark != "square" {
			return nil, fmt.Errorf("%w: unknown mark %q", ErrInvalidStyle, s.Mark)
		}
		s.Fill = p.color("fill", red)
		s.Stroke = p.color("stroke", black)
		s.StrokeWidth = p.num("stroke-width", 1)
		s.Size = p.num("size", 6)
		return s, p.err
	case "line":
		s := LineStyle{
			Stroke:      p.color("stroke", black),
			StrokeWidth: p.num("stroke-width", 2),
		}
		return s, p.err
	case "polygon":
		s := PolygonStyle{
			Fill:        p.color("fill", red),
			FillOpacity: p.num("fill-opacity", 0.5),
			Stroke:      p.color("stroke", black),
			StrokeWidth: p.num("stroke-width", 1),
		}
		return s, p.err
	}
	return nil, fmt.Errorf("%w: unknown geometry type %q", ErrInvalidStyle, kind)
}

// propReader reads typed values out of a decoded payload, keeping the
// first error.
type propReader struct {
	m   map[string]interface{}
	err error
}

func (r *propReader) str(key, def string) string {
	v, ok := r.m[key]
	if !ok || v == nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		r.fail("%s must be a string", key)
		return def
	}
	return s
}

func (r *propReader) num(key string, def float64) float64 {
	v, ok := r.m[key]
	if !ok || v == nil {
		return def
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			r.fail("%s: %q is not a number", key, n)
			return def
		}
		f = parsed
	default:
		r.fail("%s must be a number", key)
		return def
	}
	if f < 0 {
		r.fail("%s must not be negative", key)
		return def
	}
	return f
}

func (r *propReader) color(key string, def color.NRGBA) color.NRGBA {
	s := r.str(key, "")
	if s == "" {
		return def
	}
	c, err := parseHex(s)
	if err != nil {
		r.fail("%s: %v", key, err)
		return def
	}
	return c
}

func (r *propReader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrInvalidStyle, fmt.Sprintf(format, args...))
	}
}

// parseHex accepts #RGB, #RRGGBB and #RRGGBBAA.
func parseHex(s string) (color.NRGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) == 6 {
		h += "ff"
	}
	if len(h) != 8 {
		return color.NRGBA{}, fmt.Errorf("bad color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("bad color %q", s)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
