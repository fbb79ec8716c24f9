// ABOUTME: IDSet is an insertion-ordered set of entity ids
// ABOUTME: Backs the monotonically growing deliveredTo/readBy acknowledgment sets

package store

import "encoding/json"

// IDSet is a set of ids with insertion order preserved for deterministic
// serialization. The zero value is an empty, usable set.
type IDSet []string

// Contains reports whether id is in the set.
func (s IDSet) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Add returns the set with id included. Adding an existing id is a no-op,
// so the set only ever grows and never holds duplicates.
func (s IDSet) Add(id string) IDSet {
	if s.Contains(id) {
		return s
	}
	return append(s, id)
}

// Clone returns an independent copy of the set.
func (s IDSet) Clone() IDSet {
	if s == nil {
		return nil
	}
	out := make(IDSet, len(s))
	copy(out, s)
	return out
}

// MarshalJSON encodes the set as a JSON array, never as null.
func (s IDSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

// UnmarshalJSON decodes a JSON array, dropping duplicate entries.
func (s *IDSet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := IDSet{}
	for _, id := range raw {
		out = out.Add(id)
	}
	*s = out
	return nil
}
