package strata

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/distribution/reference"
)

////////////////////////////////////////////////////////////////////////////////
// Layer graph: immutable layer definitions with derived structural identity
////////////////////////////////////////////////////////////////////////////////

var (
	// Published layer tags follow the OCI tag grammar.
	layerTagRe = regexp.MustCompile(`^` + reference.TagRegexp.String() + `$`)

	// Aliases name build stages inside generated build scripts.
	baseAliasRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// Command is one build instruction, normalized to bytes before hashing so a
// command supplied as text and the same command supplied as raw bytes produce
// identical identity.
type Command struct {
	data     []byte
	fromText bool
}

// TextCommand wraps a textual build instruction. The text must be ASCII;
// NewLayer rejects anything else.
func TextCommand(s string) Command {
	return Command{data: []byte(s), fromText: true}
}

// RawCommand wraps a build instruction already in byte form. No character-set
// restriction applies.
func RawCommand(b []byte) Command {
	return Command{data: bytes.Clone(b), fromText: false}
}

func (c Command) normalize(index int) ([]byte, error) {
	if c.fromText {
		for _, b := range c.data {
			if b > 127 {
				return nil, fmt.Errorf("command %d: text form must be ascii", index)
			}
		}
	}
	return c.data, nil
}

// BaseLayerRef binds a base layer to the alias its parent's build script
// refers to it by. Order matters for identity.
type BaseLayerRef struct {
	Alias string
	Layer *Layer
}

// LayerConfig is the full set of inputs to a layer. The zero value is a valid
// (empty) layer definition.
type LayerConfig struct {
	// Tag shortcuts identity to a published-tag lookup; such a layer carries
	// no structural inputs of its own.
	Tag string

	// BaseLayers is the ordered alias -> layer mapping forming the DAG edges.
	BaseLayers []BaseLayerRef

	// Commands is the ordered build-instruction sequence, hashed as one blob.
	Commands []Command

	// ContextFiles travel with the definition and are hashed independently.
	ContextFiles map[string][]byte

	// MustCreate forces creation even when an identical layer already exists.
	MustCreate bool

	// Local marks a layer only meaningful inside the resolving environment.
	// Affects the containment check, never identity.
	Local bool
}

// Layer is an immutable layer definition plus its derived localID. Construct
// with NewLayer; a Layer never performs I/O itself — resolution belongs to
// Resolver.
type Layer struct {
	tag          string
	baseLayers   []BaseLayerRef
	commands     [][]byte
	contextFiles map[string][]byte
	mustCreate   bool
	local        bool
	localID      string
}

// NewLayer validates cfg, derives the structural identity and freezes the
// value. No network activity happens here.
func NewLayer(cfg LayerConfig) (*Layer, error) {
	if cfg.Tag != "" && !layerTagRe.MatchString(cfg.Tag) {
		return nil, fmt.Errorf("invalid layer tag %q", cfg.Tag)
	}

	seenAliases := map[string]struct{}{}
	baseLayers := make([]BaseLayerRef, 0, len(cfg.BaseLayers))
	for _, ref := range cfg.BaseLayers {
		if ref.Layer == nil {
			return nil, fmt.Errorf("base layer %q is nil", ref.Alias)
		}
		if !baseAliasRe.MatchString(ref.Alias) {
			return nil, fmt.Errorf("invalid base layer alias %q", ref.Alias)
		}
		if _, dup := seenAliases[ref.Alias]; dup {
			return nil, fmt.Errorf("duplicate base layer alias %q", ref.Alias)
		}
		seenAliases[ref.Alias] = struct{}{}
		baseLayers = append(baseLayers, ref)
	}

	commands := make([][]byte, 0, len(cfg.Commands))
	for i, c := range cfg.Commands {
		data, err := c.normalize(i)
		if err != nil {
			return nil, err
		}
		commands = append(commands, data)
	}

	contextFiles := make(map[string][]byte, len(cfg.ContextFiles))
	for name, content := range cfg.ContextFiles {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("context file with empty name")
		}
		if len(content) > maxContextFileSize {
			return nil, fmt.Errorf("context file %q exceeds %d bytes", name, maxContextFileSize)
		}
		contextFiles[name] = bytes.Clone(content)
	}

	return &Layer{
		tag:          cfg.Tag,
		baseLayers:   baseLayers,
		commands:     commands,
		contextFiles: contextFiles,
		mustCreate:   cfg.MustCreate,
		local:        cfg.Local,
		localID:      deriveLocalID(baseLayers, commands, contextFiles),
	}, nil
}

// MustLayer is NewLayer for fixed in-code definitions (presets, tests).
func MustLayer(cfg LayerConfig) *Layer {
	l, err := NewLayer(cfg)
	if err != nil {
		panic(err)
	}
	return l
}

// deriveLocalID concatenates, in fixed order, one segment per base layer
// (parent order), one for the command blob, and one per context file (sorted
// by filename so identity never depends on map construction order).
func deriveLocalID(baseLayers []BaseLayerRef, commands [][]byte, contextFiles map[string][]byte) string {
	segments := make([]string, 0, len(baseLayers)+1+len(contextFiles))
	for _, ref := range baseLayers {
		segments = append(segments, fmt.Sprintf("b:%s:(%s)", ref.Alias, ref.Layer.localID))
	}
	segments = append(segments, "c:"+ContentDigest(bytes.Join(commands, []byte("\n"))))
	for _, name := range sortedKeys(contextFiles) {
		segments = append(segments, fmt.Sprintf("f:%s:%s", name, ContentDigest(contextFiles[name])))
	}
	return strings.Join(segments, ",")
}

// LocalID is the structural, content-derived identity of the layer. Two
// layers built from identical inputs share it regardless of object identity.
func (l *Layer) LocalID() string {
	return l.localID
}

// Tag returns the published tag, or "" for structural layers.
func (l *Layer) Tag() string {
	return l.tag
}

// BaseLayers returns the ordered base refs. The slice is a copy; the
// referenced layers are shared.
func (l *Layer) BaseLayers() []BaseLayerRef {
	out := make([]BaseLayerRef, len(l.baseLayers))
	copy(out, l.baseLayers)
	return out
}

func (l *Layer) MustCreate() bool {
	return l.mustCreate
}

func (l *Layer) Local() bool {
	return l.local
}

// resolutionKey identifies the layer in the resolver's side table. Tag layers
// key by tag: two tag-only layers share a (trivial) structural identity but
// must still resolve independently.
func (l *Layer) resolutionKey() string {
	if l.tag != "" {
		return "t:" + l.tag
	}
	return "s:" + l.localID
}
