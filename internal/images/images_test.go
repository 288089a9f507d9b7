package images

import (
	"context"
	"fmt"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
)

func TestFromProjectCollectsUniqueImages(t *testing.T) {
	proj := &composetypes.Project{
		Services: composetypes.Services{
			"trino":     {Name: "trino", Image: "trinodb/trino:460"},
			"hive":      {Name: "hive", Image: "apache/hive:3.1.3"},
			"metastore": {Name: "metastore", Image: "apache/hive:3.1.3"},
			"postgres":  {Name: "postgres", Image: "postgres"},
		},
	}
	refs, err := FromProject(proj)
	if err != nil {
		t.Fatalf("FromProject: %v", err)
	}
	want := []string{"apache/hive:3.1.3", "postgres:latest", "trinodb/trino:460"}
	if len(refs) != len(want) {
		t.Fatalf("refs = %v, want %v", refs, want)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("refs = %v, want %v", refs, want)
		}
	}
}

func TestFromProjectRejectsImagelessService(t *testing.T) {
	proj := &composetypes.Project{
		Services: composetypes.Services{
			"trino": {Name: "trino"},
		},
	}
	if _, err := FromProject(proj); err == nil || !strings.Contains(err.Error(), "trino") {
		t.Fatalf("err = %v, want image error naming the service", err)
	}
}

func TestCheckAndSaveAgainstLocalRegistry(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	img, err := random.Image(1024, 1)
	if err != nil {
		t.Fatalf("random image: %v", err)
	}
	ref := fmt.Sprintf("%s/library/fake:1", u.Host)
	if err := crane.Push(img, ref); err != nil {
		t.Fatalf("push: %v", err)
	}

	s := NewSaver(SaverOptions{})
	results := s.Check(context.Background(), []string{ref, u.Host + "/library/missing:1"})
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if !results[0].OK() || !strings.HasPrefix(results[0].Digest, "sha256:") {
		t.Fatalf("present image check = %+v", results[0])
	}
	if results[1].OK() {
		t.Fatalf("missing image must fail check: %+v", results[1])
	}

	out := filepath.Join(t.TempDir(), "bundle.tar")
	if err := s.Save(context.Background(), []string{ref}, out); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		t.Fatalf("bundle missing or empty: %v", err)
	}
}
