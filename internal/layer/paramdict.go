package layer

import (
	"fmt"
	"strconv"
	"strings"
)

// paramValue keeps both readings of a scalar parameter, as a value written
// "2" may be read as an int or a float.
type paramValue struct {
	i     int
	f     float32
	array []float32
}

// ParamDict holds ordinal keyed operator parameters.
type ParamDict struct {
	values map[int]paramValue
}

func NewParamDict() *ParamDict {
	return &ParamDict{values: make(map[int]paramValue)}
}

// Get returns parameter id as an int, or def when it is absent.
func (pd *ParamDict) Get(id int, def int) int {
	if v, ok := pd.values[id]; ok {
		return v.i
	}
	return def
}

// GetFloat returns parameter id as a float, or def when it is absent.
func (pd *ParamDict) GetFloat(id int, def float32) float32 {
	if v, ok := pd.values[id]; ok {
		return v.f
	}
	return def
}

// GetArray returns an array parameter, or def when it is absent.
func (pd *ParamDict) GetArray(id int, def []float32) []float32 {
	if v, ok := pd.values[id]; ok && v.array != nil {
		return v.array
	}
	return def
}

func (pd *ParamDict) Set(id int, v int) {
	pd.values[id] = paramValue{i: v, f: float32(v)}
}

func (pd *ParamDict) SetFloat(id int, v float32) {
	pd.values[id] = paramValue{i: int(v), f: v}
}

func (pd *ParamDict) SetArray(id int, v []float32) {
	pd.values[id] = paramValue{array: v}
}

// Has reports whether id was set.
func (pd *ParamDict) Has(id int) bool {
	_, ok := pd.values[id]
	return ok
}

// ParseParamDict reads space separated id=value pairs such as
// "0=1 1=2 5=0.5". A value with commas is an array.
func ParseParamDict(s string) (*ParamDict, error) {
	pd := NewParamDict()
	for _, field := range strings.Fields(s) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("param %q: missing '='", field)
		}
		id, err := strconv.Atoi(k)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("param %q: bad id", field)
		}
		if strings.Contains(v, ",") {
			var arr []float32
			for _, part := range strings.Split(v, ",") {
				f, err := strconv.ParseFloat(part, 32)
				if err != nil {
					return nil, fmt.Errorf("param %q: %w", field, err)
				}
				arr = append(arr, float32(f))
			}
			pd.SetArray(id, arr)
			continue
		}
		if i, err := strconv.Atoi(v); err == nil {
			pd.Set(id, i)
			continue
		}
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", field, err)
		}
		pd.SetFloat(id, float32(f))
	}
	return pd, nil
}
