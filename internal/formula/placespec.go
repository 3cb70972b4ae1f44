package formula

import (
	"fmt"
	"regexp"
	"strings"
)

// PlaceSpec holds the formula strings of a place specification:
//
//	C,R~M,N@X,Y
//
// Columns and rows, maximum columns and rows, and an X,Y position. Any part
// may be omitted, every value may be a formula, and `,` may be written as
// `x` when both elements of a pair are integers or `_` holes.
type PlaceSpec struct {
	Cols    string
	Rows    string
	MaxCols string
	MaxRows string
	Pos     string
}

var onlyIntsAndHoles = regexp.MustCompile(`^[0-9x_]+$`)

func normalizeXToComma(spec string) string {
	if spec == "" || !onlyIntsAndHoles.MatchString(spec) {
		return spec
	}
	return strings.ReplaceAll(spec, "x", ",")
}

// ParsePlaceSpec splits a place specification into its formula parts.
// Examples: "5x10", "5x10@0,2", "_x_~20,30@cx,cy+1", "@100,200".
func ParsePlaceSpec(spec string) (PlaceSpec, error) {
	var res PlaceSpec
	if spec == "" {
		return res, nil
	}

	sizeAndPos := strings.Split(spec, "@")
	if len(sizeAndPos) > 2 {
		return res, fmt.Errorf("too many '@' in place specification %q", spec)
	}
	sizePart := strings.TrimSpace(sizeAndPos[0])
	posPart := ""
	if len(sizeAndPos) > 1 {
		posPart = strings.TrimSpace(sizeAndPos[1])
	}

	dimsPart, maxdimsPart := "", ""
	if sizePart != "" {
		dimsAndMax := strings.Split(sizePart, "~")
		if len(dimsAndMax) > 2 {
			return res, fmt.Errorf("too many '~' in place specification %q", spec)
		}
		dimsPart = strings.TrimSpace(dimsAndMax[0])
		if len(dimsAndMax) > 1 {
			maxdimsPart = strings.TrimSpace(dimsAndMax[1])
		}
	}

	dimsPart = normalizeXToComma(dimsPart)
	maxdimsPart = normalizeXToComma(maxdimsPart)
	posPart = normalizeXToComma(posPart)

	if dimsPart != "" {
		res.Cols = fmt.Sprintf("first(%s)", dimsPart)
		res.Rows = fmt.Sprintf("second(%s)", dimsPart)
	}
	if maxdimsPart != "" {
		res.MaxCols = fmt.Sprintf("first(%s)", maxdimsPart)
		res.MaxRows = fmt.Sprintf("second(%s)", maxdimsPart)
	}
	res.Pos = posPart
	return res, nil
}
