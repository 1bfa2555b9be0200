package extent

import (
	"fmt"
	"path/filepath"

	"github.com/dargueta/punchzero"
	"github.com/dargueta/punchzero/descriptor"
	"github.com/dargueta/punchzero/source"
	"github.com/dargueta/punchzero/sparse"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// DefaultMaxChainDepth bounds the number of descriptors followed from a child.
const DefaultMaxChainDepth = 256

// DefaultGrainTableCacheSize is the number of grain tables each extent keeps
// decoded in memory.
const DefaultGrainTableCacheSize = 4

// Options controls how a chain is loaded.
type Options struct {
	Source              source.Options
	GrainTableCacheSize int
	MaxChainDepth       int
	Logger              logrus.FieldLogger
}

// DefaultOptions returns the options used by LoadChain when none are given.
func DefaultOptions() Options {
	return Options{
		Source:              source.DefaultOptions(),
		GrainTableCacheSize: DefaultGrainTableCacheSize,
		MaxChainDepth:       DefaultMaxChainDepth,
		Logger:              logrus.StandardLogger(),
	}
}

// Chain is a child extent and all of its ancestors, child first.
type Chain struct {
	Extents     []*Extent
	Descriptors []*descriptor.Descriptor
}

// Child returns the first extent of the chain.
func (chain *Chain) Child() *Extent {
	return chain.Extents[0]
}

// Root returns the last extent of the chain, the one without a parent.
func (chain *Chain) Root() *Extent {
	return chain.Extents[len(chain.Extents)-1]
}

// Len returns the number of extents in the chain.
func (chain *Chain) Len() int {
	return len(chain.Extents)
}

// DescriptorName returns the descriptor path of extent `index` as it was
// written: the path given for the child, and the parent hint exactly as the
// child's descriptor spells it for every ancestor.
func (chain *Chain) DescriptorName(index int) string {
	if index == 0 {
		return chain.Descriptors[0].Path
	}
	return chain.Descriptors[index-1].ParentHint
}

// Close closes every extent in the chain. All extents are closed even if some
// fail; the failures are combined into the returned error.
func (chain *Chain) Close() error {
	var result *multierror.Error
	for _, ext := range chain.Extents {
		if err := ext.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ParseChain follows parent hints starting from the descriptor at `path` and
// returns the descriptors child first. It checks the chain's shape but opens
// no extents.
func ParseChain(path string, maxDepth int, logger logrus.FieldLogger) ([]*descriptor.Descriptor, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxChainDepth
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var descriptors []*descriptor.Descriptor
	seen := map[string]bool{}

	for current := path; current != ""; {
		key, err := filepath.Abs(current)
		if err != nil {
			return nil, punchzero.ErrIO.Wrap(err)
		}
		if seen[key] {
			return nil, punchzero.ErrFormat.WithMessage(
				fmt.Sprintf("descriptor cycle: %s is its own ancestor", current))
		}
		if len(descriptors) >= maxDepth {
			return nil, punchzero.ErrFormat.WithMessage(
				fmt.Sprintf("chain starting at %s is deeper than %d descriptors", path, maxDepth))
		}
		seen[key] = true

		desc, err := descriptor.ParseFile(current)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"descriptor": desc.Path,
			"type":       desc.Type,
			"sectors":    desc.Size,
			"parent":     desc.ParentHint,
		}).Debug("parsed descriptor")

		descriptors = append(descriptors, desc)
		current = desc.ResolveParentPath()
	}

	for i := 0; i+1 < len(descriptors); i++ {
		if descriptors[i].Size != descriptors[i+1].Size {
			return nil, punchzero.ErrFormat.WithMessage(
				fmt.Sprintf(
					"extent size mismatch between descriptor %s and its parent",
					descriptors[i].Path,
				))
		}
	}
	return descriptors, nil
}

// LoadChain parses the chain of descriptors starting at `path`, then opens
// every extent and links each to its parent.
func LoadChain(path string, options Options) (*Chain, error) {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if options.GrainTableCacheSize <= 0 {
		options.GrainTableCacheSize = DefaultGrainTableCacheSize
	}

	descriptors, err := ParseChain(path, options.MaxChainDepth, logger)
	if err != nil {
		return nil, err
	}

	chain := &Chain{Descriptors: descriptors}
	for i, desc := range descriptors {
		role := sparse.RoleChild
		if i == len(descriptors)-1 {
			role = sparse.RoleRoot
		}

		ext, err := openExtent(desc, role, options)
		if err != nil {
			if closeErr := chain.Close(); closeErr != nil {
				return nil, multierror.Append(err, closeErr)
			}
			return nil, err
		}
		if i > 0 {
			chain.Extents[i-1].Parent = ext
		}
		chain.Extents = append(chain.Extents, ext)
	}

	logger.WithFields(logrus.Fields{
		"descriptor": path,
		"depth":      chain.Len(),
	}).Debug("loaded extent chain")
	return chain, nil
}

func openExtent(desc *descriptor.Descriptor, role sparse.Role, options Options) (*Extent, error) {
	kind, err := KindFromType(desc.Type)
	if err != nil {
		return nil, err
	}

	backingPath := desc.ResolveExtentPath()
	src, err := source.Open(backingPath, options.Source)
	if err != nil {
		return nil, err
	}

	ext, err := New(kind, desc.Size, src, role, options.GrainTableCacheSize)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to load extent %s: %w", backingPath, err)
	}

	ext.DescriptorPath = desc.Path
	ext.BackingPath = backingPath
	return ext, nil
}
