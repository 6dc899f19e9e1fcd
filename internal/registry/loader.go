package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// definitionDoc is the shape of one definition file. A file may declare
// chains, gates, or both.
type definitionDoc struct {
	Chains []ChainDefinition `koanf:"chains"`
	Gates  []GateDefinition  `koanf:"gates"`
}

// DirLoader loads chain and gate definitions from every .yaml/.yml file
// in a directory. Files are read in lexical order; a duplicate id across
// files is a load error, never a silent override.
type DirLoader struct {
	dir    string
	logger *zap.Logger
}

// NewDirLoader creates a loader over a definition directory.
func NewDirLoader(dir string, logger *zap.Logger) (*DirLoader, error) {
	if dir == "" {
		return nil, fmt.Errorf("definition directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirLoader{dir: dir, logger: logger}, nil
}

// Load implements Loader.
func (l *DirLoader) Load(ctx context.Context) (*Snapshot, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read definition directory %s: %w", l.dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	snap := &Snapshot{
		Chains:   make(map[string]*ChainDefinition),
		Gates:    make(map[string]*GateDefinition),
		LoadedAt: time.Now().UTC(),
	}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(l.dir, name)
		doc, err := l.parseFile(path)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := mergeDoc(snap, doc, name); err != nil {
			return nil, err
		}
	}

	l.logger.Debug("definitions loaded",
		zap.Int("files", len(files)),
		zap.Int("chains", len(snap.Chains)),
		zap.Int("gates", len(snap.Gates)))
	return snap, nil
}

func (l *DirLoader) parseFile(path string) (*definitionDoc, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, err
	}

	var doc definitionDoc
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func mergeDoc(snap *Snapshot, doc *definitionDoc, file string) error {
	for i := range doc.Chains {
		ch := &doc.Chains[i]
		if err := validateChain(ch); err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		if _, exists := snap.Chains[ch.ID]; exists {
			return fmt.Errorf("%s: duplicate chain id %q", file, ch.ID)
		}
		snap.Chains[ch.ID] = ch
	}
	for i := range doc.Gates {
		g := &doc.Gates[i]
		if g.ID == "" {
			return fmt.Errorf("%s: gate with empty id", file)
		}
		if _, exists := snap.Gates[g.ID]; exists {
			return fmt.Errorf("%s: duplicate gate id %q", file, g.ID)
		}
		snap.Gates[g.ID] = g
	}
	return nil
}

func validateChain(ch *ChainDefinition) error {
	if ch.ID == "" {
		return fmt.Errorf("chain with empty id")
	}
	if len(ch.Steps) == 0 {
		return fmt.Errorf("chain %q has no steps", ch.ID)
	}
	for i := range ch.Steps {
		// Step numbers default to positional order when omitted.
		if ch.Steps[i].Number == 0 {
			ch.Steps[i].Number = i + 1
		}
		if ch.Steps[i].Number != i+1 {
			return fmt.Errorf("chain %q: step %d numbered %d, steps must be sequential from 1",
				ch.ID, i+1, ch.Steps[i].Number)
		}
	}
	return nil
}
