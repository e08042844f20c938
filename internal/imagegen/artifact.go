package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// artifactRef is the result of shape-matching a COMPLETED output payload:
// either inline bytes or a URL still to be fetched.
type artifactRef struct {
	data []byte
	url  string
}

// ExtractArtifact pulls the generated image out of a COMPLETED job's output.
// The provider has shipped several payload shapes over time; they are tried
// in a fixed priority order (inline base64 in images[0].data, then
// images[0].image, then a remote URL, then a bare string). The order is
// stable, not meaningful.
func (c *Client) ExtractArtifact(ctx context.Context, output json.RawMessage) ([]byte, error) {
	ref, err := parseArtifact(output)
	if err != nil {
		return nil, err
	}
	if len(ref.data) > 0 {
		return ref.data, nil
	}
	return c.FetchURL(ctx, ref.url)
}

func parseArtifact(output json.RawMessage) (artifactRef, error) {
	if len(output) == 0 {
		return artifactRef{}, fmt.Errorf("completed job has no output")
	}

	var structured struct {
		Images []struct {
			Data  string `json:"data"`
			Image string `json:"image"`
		} `json:"images"`
		Image string `json:"image"`
	}
	if err := json.Unmarshal(output, &structured); err == nil {
		if len(structured.Images) > 0 {
			if b, ok := decodeBase64(structured.Images[0].Data); ok {
				return artifactRef{data: b}, nil
			}
			if b, ok := decodeBase64(structured.Images[0].Image); ok {
				return artifactRef{data: b}, nil
			}
		}
		if looksLikeURL(structured.Image) {
			return artifactRef{url: structured.Image}, nil
		}
		if b, ok := decodeBase64(structured.Image); ok {
			return artifactRef{data: b}, nil
		}
	}

	// Legacy shape: output is a bare JSON string.
	var bare string
	if err := json.Unmarshal(output, &bare); err == nil && strings.TrimSpace(bare) != "" {
		if looksLikeURL(bare) {
			return artifactRef{url: bare}, nil
		}
		if b, ok := decodeBase64(bare); ok {
			return artifactRef{data: b}, nil
		}
	}

	return artifactRef{}, fmt.Errorf("unrecognized artifact shape in job output")
}

func decodeBase64(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if idx := strings.Index(s, ";base64,"); idx >= 0 {
		s = s[idx+len(";base64,"):]
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

func looksLikeURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
