package qr

import (
	"encoding/json"
	"fmt"
	"image/color"

	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
)

// Style is the interpreted subset of a link's opaque style configuration.
// Unknown keys are ignored.
type Style struct {
	Size       int    `json:"size,omitempty"`
	Foreground string `json:"fg,omitempty"`
	Background string `json:"bg,omitempty"`
	Recovery   string `json:"recovery,omitempty"`
}

const defaultSize = 512

// ParseStyle decodes an opaque style blob into a Style. Malformed input
// falls back to defaults rather than failing the render.
func ParseStyle(raw json.RawMessage) Style {
	var style Style
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &style); err != nil {
			log.Warn().Err(err).Msg("malformed style config, using defaults")
		}
	}
	if style.Size <= 0 {
		style.Size = defaultSize
	}
	return style
}

// Renderer produces image bytes for a payload and style.
type Renderer interface {
	Render(data string, style Style) ([]byte, error)
}

// CodeRenderer renders QR symbols as PNGs.
type CodeRenderer struct{}

var _ Renderer = CodeRenderer{}

func NewCodeRenderer() CodeRenderer {
	return CodeRenderer{}
}

func (CodeRenderer) Render(data string, style Style) ([]byte, error) {
	code, err := qrcode.New(data, recoveryLevel(style.Recovery))
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", data, err)
	}

	if fg, ok := parseHexColor(style.Foreground); ok {
		code.ForegroundColor = fg
	}
	if bg, ok := parseHexColor(style.Background); ok {
		code.BackgroundColor = bg
	}

	size := style.Size
	if size <= 0 {
		size = defaultSize
	}

	png, err := code.PNG(size)
	if err != nil {
		return nil, fmt.Errorf("render png: %w", err)
	}
	return png, nil
}

func recoveryLevel(s string) qrcode.RecoveryLevel {
	switch s {
	case "L":
		return qrcode.Low
	case "Q":
		return qrcode.High
	case "H":
		return qrcode.Highest
	default:
		return qrcode.Medium
	}
}

func parseHexColor(s string) (color.RGBA, bool) {
	if len(s) != 7 || s[0] != '#' {
		return color.RGBA{}, false
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(s[1:], "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, false
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, true
}
