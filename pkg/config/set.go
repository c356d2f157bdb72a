package config

import (
	"encoding/json"
	"sort"
)

// StringSet is a set of unique names that serializes as a sorted JSON
// array, so the stored form is canonical regardless of insertion order.
type StringSet map[string]struct{}

func NewStringSet(items ...string) StringSet {
	s := StringSet{}
	s.Add(items...)
	return s
}

func (s StringSet) Add(items ...string) {
	for _, i := range items {
		s[i] = struct{}{}
	}
}

func (s StringSet) Has(item string) bool {
	_, ok := s[item]
	return ok
}

func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Minus returns the sorted members of s that are not in other.
func (s StringSet) Minus(other StringSet) []string {
	var out []string
	for k := range s {
		if !other.Has(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (s StringSet) Equal(other StringSet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other.Has(k) {
			return false
		}
	}
	return true
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *StringSet) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewStringSet(items...)
	return nil
}
