// snapshot.go powers 'trinoctl snapshot' save/diff flows: a tar.gz
// capture of everything that defines an environment, for attaching to
// bug reports and comparing drifted setups.
package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moby/patternmatcher"
	"github.com/opencontainers/go-digest"
	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/example/trinoctl/internal/library"
)

// Source is everything Save captures: the rendered description, the
// resolved configuration, and the source files of every module in the
// resolution.
type Source struct {
	Project   string
	Digest    string
	Rendered  []byte
	Variables map[string]string
	Modules   []*library.Module
	Version   string
}

type Metadata struct {
	Project    string    `json:"project"`
	Digest     string    `json:"digest,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
	Modules    []string  `json:"modules,omitempty"`
	Files      int       `json:"files"`
	Version    string    `json:"version,omitempty"`
}

type hookListing struct {
	Service string `json:"service"`
	Phase   string `json:"phase"`
	Run     string `json:"run"`
	Timeout string `json:"timeout,omitempty"`
}

// Save writes the archive to outPath. Exclude patterns apply to entry
// paths inside the archive (metadata.json and manifest.json are always
// kept).
func Save(ctx context.Context, src Source, outPath string, excludes []string) (*Metadata, error) {
	matcher, err := patternmatcher.New(excludes)
	if err != nil {
		return nil, fmt.Errorf("parse exclude patterns: %w", err)
	}

	entries, err := collectEntries(ctx, src)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		excluded, err := matcher.MatchesOrParentMatches(name)
		if err != nil {
			return nil, fmt.Errorf("match %s: %w", name, err)
		}
		if excluded {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	meta := Metadata{
		Project:    src.Project,
		Digest:     src.Digest,
		CapturedAt: time.Now().UTC(),
		Files:      len(names),
		Version:    src.Version,
	}
	for _, m := range src.Modules {
		meta.Modules = append(meta.Modules, m.Name)
	}

	manifest := map[string]string{}
	for _, name := range names {
		manifest[name] = digest.FromBytes(entries[name]).String()
	}

	file, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("create snapshot output: %w", err)
	}
	defer file.Close()
	gz := gzip.NewWriter(file)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, name := range names {
		if err := addFile(tw, name, entries[name]); err != nil {
			return nil, err
		}
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := addFile(tw, "manifest.json", manifestJSON); err != nil {
		return nil, err
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := addFile(tw, "metadata.json", metaJSON); err != nil {
		return nil, err
	}
	return &meta, nil
}

// collectEntries reads module sources in parallel; descriptors and
// fragments are small but a large resolution touches many files.
func collectEntries(ctx context.Context, src Source) (map[string][]byte, error) {
	entries := map[string][]byte{}
	if len(src.Rendered) > 0 {
		entries["docker-compose.yaml"] = append([]byte(nil), src.Rendered...)
	}
	if len(src.Variables) > 0 {
		vars, err := yaml.Marshal(src.Variables)
		if err != nil {
			return nil, fmt.Errorf("marshal variables: %w", err)
		}
		entries["environment/variables.yaml"] = vars
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, m := range src.Modules {
		m := m
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			files, err := moduleEntries(m)
			if err != nil {
				return err
			}
			mu.Lock()
			for name, data := range files {
				entries[name] = data
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func moduleEntries(m *library.Module) (map[string][]byte, error) {
	out := map[string][]byte{}
	base := "modules/" + sanitizeFileName(m.Name)

	descriptor, err := os.ReadFile(filepath.Join(m.Dir, "module.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read descriptor of %s: %w", m.Name, err)
	}
	out[base+"/module.yaml"] = descriptor

	for _, path := range m.FragmentPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read fragment of %s: %w", m.Name, err)
		}
		out[base+"/fragments/"+sanitizeFileName(filepath.Base(path))] = data
	}

	if len(m.Hooks) > 0 {
		listings := make([]hookListing, 0, len(m.Hooks))
		for _, h := range m.Hooks {
			l := hookListing{Service: h.Service, Phase: h.Phase, Run: h.Run}
			if h.Timeout > 0 {
				l.Timeout = h.Timeout.String()
			}
			listings = append(listings, l)
		}
		data, err := json.MarshalIndent(listings, "", "  ")
		if err != nil {
			return nil, err
		}
		out[base+"/hooks.json"] = data
	}
	return out, nil
}

// ReadMetadata pulls metadata.json out of an archive.
func ReadMetadata(path string) (*Metadata, error) {
	var meta *Metadata
	err := iterateArchive(path, func(hdr *tar.Header, data []byte) error {
		if hdr.Name == "metadata.json" {
			var m Metadata
			if err := json.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("parse metadata.json: %w", err)
			}
			meta = &m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%s has no metadata.json", path)
	}
	return meta, nil
}

// DiffArchives renders a unified diff of two snapshots. Capture
// timestamps differ on every save, so metadata.json and the manifest
// stay out of the comparison.
func DiffArchives(aPath, bPath string) (string, error) {
	aFiles, err := readArchiveSubset(aPath)
	if err != nil {
		return "", err
	}
	bFiles, err := readArchiveSubset(bPath)
	if err != nil {
		return "", err
	}
	keySet := map[string]bool{}
	for key := range aFiles {
		keySet[key] = true
	}
	for key := range bFiles {
		keySet[key] = true
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		a := string(aFiles[key])
		c := string(bFiles[key])
		if a == c {
			continue
		}
		ud := difflib.UnifiedDiff{
			A:        difflib.SplitLines(a),
			B:        difflib.SplitLines(c),
			FromFile: fmt.Sprintf("%s:%s", aPath, key),
			ToFile:   fmt.Sprintf("%s:%s", bPath, key),
			Context:  3,
		}
		diff, _ := difflib.GetUnifiedDiffString(ud)
		if diff == "" {
			continue
		}
		b.WriteString(diff)
		if !strings.HasSuffix(diff, "\n") {
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		return "no differences found\n", nil
	}
	return b.String(), nil
}

func readArchiveSubset(path string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := iterateArchive(path, func(hdr *tar.Header, data []byte) error {
		if hdr.Name == "metadata.json" || hdr.Name == "manifest.json" {
			return nil
		}
		files[hdr.Name] = append([]byte(nil), data...)
		return nil
	})
	return files, err
}

func iterateArchive(archivePath string, handle func(*tar.Header, []byte) error) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()
	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, tr); err != nil {
			return err
		}
		if err := handle(hdr, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func addFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
