package ports

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		raw     string
		want    Spec
		wantErr bool
	}{
		{"80/tcp", Spec{80, "tcp"}, false},
		{"  53/UDP ", Spec{53, "udp"}, false},
		{"65535/tcp", Spec{65535, "tcp"}, false},
		{"0/tcp", Spec{}, true},
		{"70000/tcp", Spec{}, true},
		{"80", Spec{}, true},
		{"80/icmp", Spec{}, true},
		{"", Spec{}, true},
	}
	for _, c := range cases {
		got, err := Parse(c.raw)
		if c.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %v", c.raw, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", c.raw, err)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestParseListDeduplicates(t *testing.T) {
	specs, err := ParseList("80/tcp, 80/tcp,, 443/tcp")
	if err != nil {
		t.Fatalf("ParseList failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %v", specs)
	}
}

func TestParseListRejectsMalformedEntry(t *testing.T) {
	if _, err := ParseList("80/tcp,nonsense"); err == nil {
		t.Fatal("expected error for malformed entry")
	}
}

func TestValidateRequiresAtLeastOnePort(t *testing.T) {
	if err := Validate("80/tcp"); err != nil {
		t.Fatalf("valid list rejected: %v", err)
	}
	if err := Validate(""); err == nil {
		t.Fatal("empty list accepted")
	}
	if err := Validate(" , "); err == nil {
		t.Fatal("blank entries accepted")
	}
}

func TestAssignStaysInRangeAndAvoidsBlocked(t *testing.T) {
	// Block the lower half of the range; every assignment must land in the
	// free upper half.
	cut := Min + (Max-Min)/2
	blocked := make([]int, 0, cut-Min)
	for p := Min; p < cut; p++ {
		blocked = append(blocked, p)
	}

	assigned, err := Assign([]Spec{{80, "tcp"}, {443, "tcp"}}, blocked)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	for spec, port := range assigned {
		if port < cut || port >= Max {
			t.Errorf("port %d for %s landed in the blocked half", port, spec)
		}
	}
}

func TestAssignDistinctPortsPerSpec(t *testing.T) {
	needed := []Spec{{80, "tcp"}, {443, "tcp"}, {53, "udp"}}
	assigned, err := Assign(needed, nil)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	seen := make(map[int]bool)
	for spec, port := range assigned {
		if port < Min || port >= Max {
			t.Errorf("port %d for %s outside [%d, %d)", port, spec, Min, Max)
		}
		if seen[port] {
			t.Errorf("port %d assigned twice", port)
		}
		seen[port] = true
	}
	if len(assigned) != len(needed) {
		t.Fatalf("expected %d assignments, got %d", len(needed), len(assigned))
	}
}

func TestAssignExhaustion(t *testing.T) {
	blocked := make([]int, 0, Max-Min)
	for p := Min; p < Max; p++ {
		blocked = append(blocked, p)
	}
	_, err := Assign([]Spec{{80, "tcp"}}, blocked)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}
