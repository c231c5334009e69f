// Package ports assigns published host ports for challenge instances from a
// fixed range, probing randomly against a blocklist snapshot taken just
// before each creation.
package ports

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const (
	// Min and Max bound the random assignment range, half-open [Min, Max).
	Min = 30000
	Max = 60000

	maxAttempts = 100
)

// ErrExhausted means the allocator could not find a free port within the
// attempt budget. A short allocation is never returned instead.
var ErrExhausted = errors.New("no available port found")

var specPattern = regexp.MustCompile(`^(\d+)/(?i:(tcp|udp))$`)

// Spec is one declared challenge port, e.g. "80/tcp".
type Spec struct {
	Port  int
	Proto string
}

func (s Spec) String() string {
	return fmt.Sprintf("%d/%s", s.Port, s.Proto)
}

// Parse parses a single "port/proto" spec.
func Parse(raw string) (Spec, error) {
	m := specPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Spec{}, fmt.Errorf("invalid port format %q, expected port/protocol (e.g. 80/tcp)", raw)
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port < 1 || port > 65535 {
		return Spec{}, fmt.Errorf("port number %s is out of range 1-65535", m[1])
	}
	return Spec{Port: port, Proto: strings.ToLower(m[2])}, nil
}

// ParseList parses a comma-separated list of port specs. Empty entries are
// skipped; a malformed entry is an error.
func ParseList(raw string) ([]Spec, error) {
	var specs []Spec
	for _, entry := range strings.Split(raw, ",") {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		s, err := Parse(entry)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(specs, s) {
			specs = append(specs, s)
		}
	}
	return specs, nil
}

// Validate checks a challenge's exposed-ports string, requiring at least one
// valid entry. Used when challenges are created or updated.
func Validate(raw string) error {
	specs, err := ParseList(raw)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return errors.New("at least one exposed port must be configured (e.g. 80/tcp)")
	}
	return nil
}

// Assign picks one free host port per needed spec, uniformly random in
// [Min, Max), avoiding the blocklist and ports already chosen in this call.
// Randomness is plain math/rand: this is resource scheduling, not a secret.
func Assign(needed []Spec, blocked []int) (map[Spec]int, error) {
	unavailable := make(map[int]bool, len(blocked))
	for _, p := range blocked {
		unavailable[p] = true
	}

	assigned := make(map[Spec]int, len(needed))
	for _, spec := range needed {
		port, err := probe(unavailable)
		if err != nil {
			return nil, fmt.Errorf("assigning host port for %s: %w", spec, err)
		}
		unavailable[port] = true
		assigned[spec] = port
	}
	return assigned, nil
}

func probe(unavailable map[int]bool) (int, error) {
	for range maxAttempts {
		port := Min + rand.IntN(Max-Min)
		if !unavailable[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrExhausted, maxAttempts)
}
