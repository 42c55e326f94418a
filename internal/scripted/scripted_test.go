package scripted

import (
	"strings"
	"testing"

	"github.com/randomizedcoder/go-procsuite/internal/container"
	"github.com/randomizedcoder/go-procsuite/internal/descriptor"
)

// =============================================================================
// Tests: expansion
// =============================================================================

func TestExpand(t *testing.T) {
	tt := &Test{
		base: &container.BaseTest{
			Input:     "/tests/t1/Input",
			Output:    "/tests/t1/Output/linux",
			Reference: "/tests/t1/Reference",
			Mode:      "release",
		},
		ports: map[string]int{"http": 21001, "admin-api": 21002},
	}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "port", in: "--port=${port.http}", want: "--port=21001"},
		{name: "dashed port name", in: "${port.admin-api}", want: "21002"},
		{name: "two ports", in: "${port.http}:${port.admin-api}", want: "21001:21002"},
		{name: "output", in: "${output}/server.log", want: "/tests/t1/Output/linux/server.log"},
		{name: "input", in: "${input}/data.txt", want: "/tests/t1/Input/data.txt"},
		{name: "reference", in: "${reference}", want: "/tests/t1/Reference"},
		{name: "mode", in: "build-${mode}", want: "build-release"},
		{name: "shell variable untouched", in: "echo $HOME ${HOME}", want: "echo $HOME ${HOME}"},
		{name: "unallocated port", in: "${port.grpc}", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tt.expand(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("expand(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if got != tc.want {
				t.Errorf("expand(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExpandAll(t *testing.T) {
	tt := &Test{base: &container.BaseTest{Mode: "debug"}, ports: map[string]int{}}

	got, err := tt.expandAll([]string{"-m", "${mode}"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, " ") != "-m debug" {
		t.Errorf("expandAll = %v", got)
	}

	if got, err := tt.expandAll(nil); err != nil || got != nil {
		t.Errorf("expandAll(nil) = %v, %v", got, err)
	}
}

// =============================================================================
// Tests: construction
// =============================================================================

func TestNew_RejectsExpectationsInExecute(t *testing.T) {
	tests := []struct {
		action  string
		wantErr bool
	}{
		{ActionStart, false},
		{ActionWaitSignal, false},
		{ActionExpectSignal, true},
		{ActionExpectExitStatus, true},
	}

	for _, tc := range tests {
		t.Run(tc.action, func(t *testing.T) {
			base := &container.BaseTest{Descriptor: &descriptor.Descriptor{
				ID:      "t1",
				Execute: []descriptor.Step{{Action: tc.action}},
			}}
			_, err := New(base)
			if (err != nil) != tc.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	r := container.NewRegistry()
	Register(r)
	if _, err := r.Lookup(Class); err != nil {
		t.Errorf("Lookup(%q): %v", Class, err)
	}
	if Class != "scripted" {
		t.Errorf("Class = %q", Class)
	}
}
