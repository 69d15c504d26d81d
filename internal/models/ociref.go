package models

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// isOCIReference reports whether url looks like an OCI registry reference
// (e.g. "registry.example.com/models/foo:tag") rather than a plain HTTPS
// URL. A ModelFile.urls entry may be either.
func isOCIReference(url string) bool {
	return !strings.Contains(url, "://")
}

// openOCIBlob resolves ref to an image and returns a reader over its first
// layer's uncompressed content, along with the layer's size. This supports
// packaging a model artifact as a single-layer OCI image, the distribution
// mechanism the teacher's registry client used for model weights.
func openOCIBlob(ref string) (io.ReadCloser, int64, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, 0, fmt.Errorf("models: parsing OCI reference %q: %w", ref, err)
	}

	img, err := remote.Image(parsed)
	if err != nil {
		return nil, 0, fmt.Errorf("models: fetching OCI image %q: %w", ref, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, 0, fmt.Errorf("models: reading layers of %q: %w", ref, err)
	}
	if len(layers) == 0 {
		return nil, 0, fmt.Errorf("models: %q has no layers", ref)
	}

	return firstLayerBlob(layers[0])
}

func firstLayerBlob(layer v1.Layer) (io.ReadCloser, int64, error) {
	size, err := layer.Size()
	if err != nil {
		size = -1
	}
	rc, err := layer.Uncompressed()
	if err != nil {
		return nil, 0, fmt.Errorf("models: reading layer content: %w", err)
	}
	return rc, size, nil
}
