//nolint:exhaustruct // Test fixtures intentionally use partial structs for readability.
package strata_test

import (
	"strings"
	"testing"

	strata "github.com/strata-build/strata"
)

func TestPresets_DebianSlimIsTagOnly(t *testing.T) {
	slim, err := strata.NewDebianSlim("3.11")
	if err != nil {
		t.Fatalf("new debian slim: %v", err)
	}
	if slim.Tag() != "python-3.11-slim-buster-base" {
		t.Fatalf("unexpected tag %q", slim.Tag())
	}
	if len(slim.BaseLayers()) != 0 {
		t.Fatal("tag-defined base should carry no structural inputs")
	}
}

func TestPresets_DefaultVersionFromEnv(t *testing.T) {
	t.Setenv("STRATA_IMAGE_PYTHON_VERSION", "3.12")
	slim, err := strata.NewDebianSlim("")
	if err != nil {
		t.Fatalf("new debian slim: %v", err)
	}
	if slim.Tag() != "python-3.12-slim-buster-base" {
		t.Fatalf("env override not honored: %q", slim.Tag())
	}
}

func TestPresets_AddPythonPackagesBuildsTwoStageGraph(t *testing.T) {
	slim, err := strata.NewDebianSlim("3.11")
	if err != nil {
		t.Fatalf("new debian slim: %v", err)
	}
	layer, err := slim.AddPythonPackages([]string{"requests", "flask"}, "")
	if err != nil {
		t.Fatalf("add packages: %v", err)
	}

	bases := layer.BaseLayers()
	if len(bases) != 2 {
		t.Fatalf("expected base + builder stages, got %d", len(bases))
	}
	if bases[0].Alias != "base" || bases[1].Alias != "builder" {
		t.Fatalf("unexpected aliases %q, %q", bases[0].Alias, bases[1].Alias)
	}
	if bases[1].Layer.Tag() != "python-3.11-slim-buster-builder" {
		t.Fatalf("builder stage tag: %q", bases[1].Layer.Tag())
	}
	if !strings.Contains(layer.LocalID(), "b:builder:(") {
		t.Fatal("builder stage missing from identity")
	}

	// Same derivation, fresh objects: identity must agree.
	again, err := slim.AddPythonPackages([]string{"requests", "flask"}, "")
	if err != nil {
		t.Fatalf("add packages again: %v", err)
	}
	if layer.LocalID() != again.LocalID() {
		t.Fatal("identical package sets produced different identity")
	}

	other, err := slim.AddPythonPackages([]string{"flask", "requests"}, "")
	if err != nil {
		t.Fatalf("add packages reordered: %v", err)
	}
	if layer.LocalID() == other.LocalID() {
		t.Fatal("package order is part of the command blob and must change identity")
	}
}

func TestPresets_RunCommands(t *testing.T) {
	slim, err := strata.NewDebianSlim("3.11")
	if err != nil {
		t.Fatalf("new debian slim: %v", err)
	}
	layer, err := slim.RunCommands([]string{"apt-get update", "apt-get install -y curl"})
	if err != nil {
		t.Fatalf("run commands: %v", err)
	}
	bases := layer.BaseLayers()
	if len(bases) != 1 || bases[0].Alias != "base" {
		t.Fatalf("unexpected graph shape: %+v", bases)
	}

	reordered, err := slim.RunCommands([]string{"apt-get install -y curl", "apt-get update"})
	if err != nil {
		t.Fatalf("run commands reordered: %v", err)
	}
	if layer.LocalID() == reordered.LocalID() {
		t.Fatal("command order did not affect identity")
	}
}

func TestPresets_IsInside(t *testing.T) {
	layer := strata.MustLayer(strata.LayerConfig{
		Commands: []strata.Command{strata.TextCommand("RUN true")},
	})

	if layer.IsInside() {
		t.Fatal("IsInside true with no environment marker")
	}

	t.Setenv("STRATA_IMAGE_LOCAL_ID", "something-else")
	if layer.IsInside() {
		t.Fatal("IsInside true with mismatched marker")
	}

	t.Setenv("STRATA_IMAGE_LOCAL_ID", layer.LocalID())
	if !layer.IsInside() {
		t.Fatal("IsInside false with exact marker")
	}
}
