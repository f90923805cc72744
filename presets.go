package strata

import (
	"fmt"
	"os"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// Image presets: slim base catalog + convenience graph builders
////////////////////////////////////////////////////////////////////////////////

// DebianSlim is the published slim Debian base for one Python version. It is
// defined by tag lookup only: the base and its builder companion are already
// published server-side, so no structural identity is needed.
type DebianSlim struct {
	*Layer
	pythonVersion string
}

// NewDebianSlim returns the slim base for pythonVersion. An empty version
// falls back to the STRATA_IMAGE_PYTHON_VERSION override, then the default.
func NewDebianSlim(pythonVersion string) (*DebianSlim, error) {
	if pythonVersion == "" {
		pythonVersion = envOr(pythonVersionEnv, defaultPythonVersion)
	}
	base, err := NewLayer(LayerConfig{
		Tag: fmt.Sprintf("python-%s-slim-buster-base", pythonVersion),
	})
	if err != nil {
		return nil, err
	}
	return &DebianSlim{Layer: base, pythonVersion: pythonVersion}, nil
}

// AddPythonPackages builds the two-stage graph installing packages on top of
// the base: a builder stage wheels everything into a scratch location, the
// final stage copies the wheels in and installs them. Pure graph
// construction; nothing resolves here.
func (d *DebianSlim) AddPythonPackages(packages []string, findLinks string) (*Layer, error) {
	if len(packages) == 0 {
		return nil, fmt.Errorf("no packages to add")
	}
	builder, err := NewLayer(LayerConfig{
		Tag: fmt.Sprintf("python-%s-slim-buster-builder", d.pythonVersion),
	})
	if err != nil {
		return nil, err
	}
	findLinksArg := ""
	if findLinks != "" {
		findLinksArg = " -f " + findLinks
	}
	return NewLayer(LayerConfig{
		BaseLayers: []BaseLayerRef{
			{Alias: "base", Layer: d.Layer},
			{Alias: "builder", Layer: builder},
		},
		Commands: []Command{
			TextCommand("FROM builder AS builder-vehicle"),
			TextCommand(fmt.Sprintf("RUN pip wheel %s -w /tmp/wheels%s", strings.Join(packages, " "), findLinksArg)),
			TextCommand("FROM base"),
			TextCommand("COPY --from=builder-vehicle /tmp/wheels /tmp/wheels"),
			TextCommand("RUN pip install /tmp/wheels/*"),
			TextCommand("RUN rm -rf /tmp/wheels"),
		},
	})
}

// RunCommands builds the single-stage graph appending one RUN line per
// command on top of the base. Command order is part of the identity.
func (d *DebianSlim) RunCommands(commands []string) (*Layer, error) {
	lines := make([]Command, 0, len(commands)+1)
	lines = append(lines, TextCommand("FROM base"))
	for _, command := range commands {
		lines = append(lines, TextCommand("RUN "+command))
	}
	return NewLayer(LayerConfig{
		BaseLayers: []BaseLayerRef{{Alias: "base", Layer: d.Layer}},
		Commands:   lines,
	})
}

// IsInside reports whether the current process runs inside an instance of
// this layer, by comparing the environment marker against the structural
// identity. Absent marker means false; this consults only the environment,
// never the service.
func (l *Layer) IsInside() bool {
	marker, ok := os.LookupEnv(imageLocalIDEnv)
	return ok && marker == l.localID
}
