package device

import (
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/cpu"
)

// Features describes what the execution target prefers. Operators resolve
// their kernel variants and pack widths against it in CreatePipeline.
type Features struct {
	Name string
	// Lanes lists the supported pack widths above 1, widest first.
	Lanes []int
	// FP16 and BF16 report native half precision support. They pick the
	// default storage kind, and FP16 enables the half arithmetic kernels.
	FP16 bool
	BF16 bool
}

// DetectFeatures inspects the host CPU.
func DetectFeatures() Features {
	f := Features{Name: runtime.GOARCH, Lanes: []int{4}}
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX {
			f.Lanes = []int{8, 4}
			f.Name = "avx"
		}
		if cpu.X86.HasAVX512F {
			f.Lanes = []int{16, 8, 4}
			f.Name = "avx512"
		}
		f.BF16 = cpu.X86.HasAVX512BF16
	case "arm64":
		f.Name = "neon"
		f.FP16 = cpu.ARM64.HasASIMDHP
		if cpu.ARM64.HasSVE {
			f.Lanes = []int{8, 4}
			f.Name = "sve"
		}
	}
	return f
}

// LimitLanes drops lane widths wider than max.
func (f Features) LimitLanes(max int) Features {
	out := f
	out.Lanes = nil
	for _, l := range f.Lanes {
		if l <= max {
			out.Lanes = append(out.Lanes, l)
		}
	}
	return out
}

func (f Features) String() string {
	return fmt.Sprintf("%s lanes=%v fp16=%t bf16=%t", f.Name, f.Lanes, f.FP16, f.BF16)
}

// ParseLanes reads a comma separated list such as "16,8,4". The result is
// sorted widest first; an empty string or "1" yields no packed widths.
func ParseLanes(s string) ([]int, error) {
	var lanes []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("parse lanes %q: %w", s, err)
		}
		switch n {
		case 1:
		case 4, 8, 16:
			if !slices.Contains(lanes, n) {
				lanes = append(lanes, n)
			}
		default:
			return nil, fmt.Errorf("unsupported lane width %d", n)
		}
	}
	slices.SortFunc(lanes, func(a, b int) int { return b - a })
	return lanes, nil
}
