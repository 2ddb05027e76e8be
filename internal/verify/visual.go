package verify

import (
	"bytes"
	"image"
	"strings"
	"unicode"

	_ "image/jpeg"
	_ "image/png"
)

// Similarity compares two encoded screenshots by sampling pixels at
// the given stride. A sample matches when every channel differs by at
// most noise (8-bit scale). Returns the matching fraction in [0,1];
// images with different dimensions score 0.
func Similarity(a, b []byte, stride, noise int) (float64, error) {
	if stride < 1 {
		stride = 1
	}
	imgA, _, err := image.Decode(bytes.NewReader(a))
	if err != nil {
		return 0, err
	}
	imgB, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return 0, err
	}

	ba, bb := imgA.Bounds(), imgB.Bounds()
	if ba.Dx() != bb.Dx() || ba.Dy() != bb.Dy() {
		return 0, nil
	}

	var total, same int
	for y := ba.Min.Y; y < ba.Max.Y; y += stride {
		for x := ba.Min.X; x < ba.Max.X; x += stride {
			ra, ga, blA, _ := imgA.At(x, y).RGBA()
			rb, gb, blB, _ := imgB.At(bb.Min.X+x-ba.Min.X, bb.Min.Y+y-ba.Min.Y).RGBA()
			if chanDiff(ra, rb) <= noise && chanDiff(ga, gb) <= noise && chanDiff(blA, blB) <= noise {
				same++
			}
			total++
		}
	}
	if total == 0 {
		return 1, nil
	}
	return float64(same) / float64(total), nil
}

func chanDiff(a, b uint32) int {
	d := int(a>>8) - int(b>>8)
	if d < 0 {
		d = -d
	}
	return d
}

// visualScore rates the before/after screenshot pair. Commands that
// imply a visible change score higher the more the screen moved;
// read-only commands score stability instead.
func (e *Engine) visualScore(command string, pre, post []byte) int {
	if len(pre) == 0 || len(post) == 0 {
		return 50
	}
	sim, err := Similarity(pre, post, e.stride, e.noise)
	if err != nil {
		return 50
	}
	if expectsVisibleChange(command) {
		return clampScore(int((1 - sim) * 400))
	}
	return clampScore(int(sim * 100))
}

var changeVerbs = []string{
	"open", "close", "click", "type", "move", "drag", "switch", "launch",
	"navigate", "scroll", "create", "resize", "minimize", "maximize",
	"play", "pause", "send", "delete", "submit", "install", "quit", "drop",
}

var readOnlyVerbs = []string{
	"read", "check", "describe", "tell", "find", "count", "look",
	"watch", "monitor", "list", "summarize",
}

// expectsVisibleChange guesses whether success should move pixels.
// Unknown commands default to yes: most desktop actions do.
func expectsVisibleChange(command string) bool {
	words := strings.FieldsFunc(strings.ToLower(command), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	for _, v := range changeVerbs {
		if _, ok := set[v]; ok {
			return true
		}
	}
	for _, v := range readOnlyVerbs {
		if _, ok := set[v]; ok {
			return false
		}
	}
	return true
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
