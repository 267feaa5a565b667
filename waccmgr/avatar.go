package waccmgr

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
)

// Avatar geometry.  A 5x5 grid of 10x10 cells mirrored around the center
// column, in the style of the identicons wallets commonly render next to an
// address.
const (
	avatarGridSize  = 5
	avatarCellScale = 10
	avatarColors    = 3
)

// Avatar renders a small deterministic SVG identicon for the address.  The
// address hash seeds the generator, so the same address always yields the
// same image, across calls and across restarts.
func Avatar(addr Address) string {
	digest := sha256.Sum256(addr[:])
	rng := rand.New(rand.NewSource(int64(
		binary.LittleEndian.Uint64(digest[:8]))))

	colors := make([]string, avatarColors)
	for i := range colors {
		h := rng.Intn(360)
		s := 50 + rng.Intn(50)
		l := 40 + rng.Intn(40)
		colors[i] = hslToHex(h, s, l)
	}

	var b strings.Builder
	side := avatarGridSize * avatarCellScale
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" `+
		`viewBox="0 0 %d %d">`, side, side)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="#f0f0f0"/>`,
		side, side)

	// Fill the left half plus the center column and mirror it so the
	// identicon is symmetric.
	for y := 0; y < avatarGridSize; y++ {
		for x := 0; x <= avatarGridSize/2; x++ {
			if rng.Intn(2) == 0 {
				continue
			}
			color := colors[rng.Intn(len(colors))]
			writeCell(&b, x, y, color)
			if mx := avatarGridSize - 1 - x; mx != x {
				writeCell(&b, mx, y, color)
			}
		}
	}

	b.WriteString(`</svg>`)
	return b.String()
}

func writeCell(b *strings.Builder, x, y int, color string) {
	fmt.Fprintf(b, `<rect x="%d" y="%d" width="%d" height="%d" fill="%s"/>`,
		x*avatarCellScale, y*avatarCellScale,
		avatarCellScale, avatarCellScale, color)
}

// hslToHex converts an HSL color (h in degrees, s and l in percent) to an
// RGB hex string.
func hslToHex(h, s, l int) string {
	hf := float64(h) / 360
	sf := float64(s) / 100
	lf := float64(l) / 100

	var r, g, b float64
	if sf == 0 {
		r, g, b = lf, lf, lf
	} else {
		var q float64
		if lf < 0.5 {
			q = lf * (1 + sf)
		} else {
			q = lf + sf - lf*sf
		}
		p := 2*lf - q
		r = hueToRGB(p, q, hf+1.0/3)
		g = hueToRGB(p, q, hf)
		b = hueToRGB(p, q, hf-1.0/3)
	}

	return fmt.Sprintf("#%02x%02x%02x",
		int(r*255+0.5), int(g*255+0.5), int(b*255+0.5))
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 1.0/2:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	default:
		return p
	}
}
