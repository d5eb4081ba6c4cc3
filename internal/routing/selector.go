// Package routing picks the outbound trunk for each origination.
package routing

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Trunk is a named switch endpoint with a relative share of traffic.
type Trunk struct {
	Name   string
	Weight int
}

var ErrNoTrunk = errors.New("routing: no eligible trunk")

// ParseTrunks parses "name[:weight],..." with weight defaulting to 1.
// Zero-weight entries are kept (disabled) so operators can park a trunk.
func ParseTrunks(list string) ([]Trunk, error) {
	var out []Trunk
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, w, hasWeight := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("routing: empty trunk name in %q", list)
		}
		weight := 1
		if hasWeight {
			n, err := strconv.Atoi(strings.TrimSpace(w))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("routing: invalid weight for trunk %q", name)
			}
			weight = n
		}
		out = append(out, Trunk{Name: name, Weight: weight})
	}
	if len(out) == 0 {
		return nil, ErrNoTrunk
	}
	return out, nil
}

// Selector does weighted random selection across trunks.
type Selector struct {
	trunks []Trunk
	total  int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSelector(trunks []Trunk, rng *rand.Rand) (*Selector, error) {
	var total int
	for _, t := range trunks {
		if t.Weight > 0 {
			total += t.Weight
		}
	}
	if total <= 0 {
		return nil, ErrNoTrunk
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{trunks: trunks, total: total, rng: rng}, nil
}

// Pick returns a trunk name with probability proportional to its weight.
func (s *Selector) Pick() string {
	s.mu.Lock()
	r := s.rng.Intn(s.total) // 0..total-1
	s.mu.Unlock()

	var acc int
	for _, t := range s.trunks {
		if t.Weight <= 0 {
			continue
		}
		acc += t.Weight
		if r < acc {
			return t.Name
		}
	}
	return s.trunks[len(s.trunks)-1].Name
}

func (s *Selector) Trunks() []Trunk {
	out := make([]Trunk, len(s.trunks))
	copy(out, s.trunks)
	return out
}
