package strata

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

////////////////////////////////////////////////////////////////////////////////
// Dockerfile rendering: layer definition -> buildable script
////////////////////////////////////////////////////////////////////////////////

func sortedKeys[K ~string, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// imageRefForLayer is the local image name a built layer is published under.
func imageRefForLayer(layerID string) string {
	return "strata/layer:" + shortID(layerID)
}

// renderDockerfile turns a layer definition into a Dockerfile: FROM lines
// referencing a base alias are rewritten to the image built for that base,
// everything else passes through untouched. A FROM naming an alias the
// definition does not declare is a terminal build failure, not a transport
// problem, so the error text is meant for the Join diagnostic.
func renderDockerfile(def LayerDefinition) ([]byte, error) {
	if len(def.Commands) == 0 {
		return nil, nil
	}
	images := make(map[string]string, len(def.BaseLayers))
	stages := map[string]struct{}{}
	for _, base := range def.BaseLayers {
		images[base.Alias] = imageRefForLayer(base.LayerID)
	}

	var b strings.Builder
	for i, command := range def.Commands {
		line := string(command)
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.EqualFold(fields[0], "FROM") {
			alias := fields[1]
			image, known := images[alias]
			if !known {
				if _, stage := stages[alias]; !stage {
					return nil, fmt.Errorf("command %d: FROM references unknown base %q", i, alias)
				}
				image = alias
			}
			fields[1] = image
			// "FROM x AS name" introduces a stage later FROMs may reuse.
			if len(fields) >= 4 && strings.EqualFold(fields[2], "AS") {
				stages[fields[3]] = struct{}{}
			}
			line = strings.Join(fields, " ")
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	rendered := []byte(b.String())
	if _, err := parser.Parse(bytes.NewReader(rendered)); err != nil {
		return nil, fmt.Errorf("parse rendered dockerfile: %w", err)
	}
	return rendered, nil
}
