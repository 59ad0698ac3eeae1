package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-tessera/internal/tensor"
)

// parseShape reads "w", "w,h", "w,h,c" or "w,h,d,c".
func parseShape(s string) (tensor.Shape, error) {
	var dims []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return tensor.Shape{}, fmt.Errorf("parse shape %q: %w", s, err)
		}
		dims = append(dims, n)
	}
	return shapeFromInts(dims)
}

func shapeFromInts(d []int) (tensor.Shape, error) {
	var s tensor.Shape
	switch len(d) {
	case 1:
		s = tensor.S1(d[0])
	case 2:
		s = tensor.S2(d[0], d[1])
	case 3:
		s = tensor.S3(d[0], d[1], d[2])
	case 4:
		s = tensor.S4(d[0], d[1], d[2], d[3])
	default:
		return s, fmt.Errorf("shape must have 1 to 4 extents, got %d", len(d))
	}
	return s, s.Validate()
}

func shapeInts(s tensor.Shape) []int {
	switch s.Dims {
	case 1:
		return []int{s.W}
	case 2:
		return []int{s.W, s.H}
	case 3:
		return []int{s.W, s.H, s.C}
	default:
		return []int{s.W, s.H, s.D, s.C}
	}
}

// parseBytes reads sizes such as 4GB, 512MB or 1024.
func parseBytes(s string) int64 {
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	fmt.Sscanf(s, "%d%s", &val, &unit)

	switch strings.ToUpper(unit) {
	case "GB", "G":
		return val << 30
	case "MB", "M":
		return val << 20
	case "KB", "K":
		return val << 10
	default:
		return val
	}
}
