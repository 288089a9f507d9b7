// Package images enumerates, preflights, and bundles the container
// images an environment needs. Bundling targets air-gapped hosts: pull
// once where the registry is reachable, load the archive where it is
// not.
package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/distribution/reference"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"golang.org/x/sync/errgroup"
)

// FromProject returns the unique, normalized image references the
// rendered description pulls in, sorted. A service without an image is
// rejected: every service here runs a published image, nothing builds
// locally.
func FromProject(proj *composetypes.Project) ([]string, error) {
	if proj == nil {
		return nil, fmt.Errorf("project is required")
	}
	seen := map[string]bool{}
	var refs []string
	names := make([]string, 0, len(proj.Services))
	for name := range proj.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		image := proj.Services[name].Image
		if image == "" {
			return nil, fmt.Errorf("service %s has no image", name)
		}
		named, err := reference.ParseNormalizedNamed(image)
		if err != nil {
			return nil, fmt.Errorf("service %s: invalid image %q: %w", name, image, err)
		}
		familiar := reference.FamiliarString(reference.TagNameOnly(named))
		if !seen[familiar] {
			seen[familiar] = true
			refs = append(refs, familiar)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

// SaverOptions configure how images are fetched.
type SaverOptions struct {
	Keychain authn.Keychain

	// Parallel caps concurrent registry operations. Zero means 4.
	Parallel int
}

// Saver talks to registries for preflight checks and offline bundles.
type Saver struct {
	keychain authn.Keychain
	parallel int
}

func NewSaver(opts SaverOptions) *Saver {
	keychain := opts.Keychain
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = 4
	}
	return &Saver{keychain: keychain, parallel: parallel}
}

// CheckResult is one image's preflight outcome.
type CheckResult struct {
	Ref    string `json:"ref"`
	Digest string `json:"digest,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (r CheckResult) OK() bool { return r.Error == "" }

// Check resolves every manifest without downloading layers. Results
// come back in input order; a failed lookup fills Error instead of
// aborting the rest.
func (s *Saver) Check(ctx context.Context, refs []string) []CheckResult {
	results := make([]CheckResult, len(refs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			desc, err := crane.Head(ref, crane.WithContext(ctx), crane.WithAuthFromKeychain(s.keychain))
			if err != nil {
				results[i] = CheckResult{Ref: ref, Error: err.Error()}
				return nil
			}
			results[i] = CheckResult{Ref: ref, Digest: desc.Digest.String()}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Save pulls every image and writes one docker-archive at outputPath.
func (s *Saver) Save(ctx context.Context, refs []string, outputPath string) error {
	if len(refs) == 0 {
		return fmt.Errorf("no images to bundle")
	}
	if err := ensureDir(filepath.Dir(outputPath)); err != nil {
		return err
	}
	var mu sync.Mutex
	images := make(map[string]v1.Image, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			img, err := crane.Pull(ref, crane.WithContext(gctx), crane.WithAuthFromKeychain(s.keychain))
			if err != nil {
				return fmt.Errorf("pull %s: %w", ref, err)
			}
			mu.Lock()
			images[ref] = img
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := crane.MultiSave(images, outputPath, crane.WithContext(ctx), crane.WithAuthFromKeychain(s.keychain)); err != nil {
		return fmt.Errorf("save archive: %w", err)
	}
	return nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
