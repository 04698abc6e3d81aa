package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
)

// segmentCatalogFile is the on-disk layout of SEGMENTS_FILE:
//
//	segments:
//	  - name: tech-weekly
//	    sources: [subscriber]
//	    tags: [technology, science]
type segmentCatalogFile struct {
	Segments []models.Segment `yaml:"segments"`
}

// LoadSegmentCatalog reads and validates named segment definitions
func LoadSegmentCatalog(path string) ([]models.Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read segments file: %w", err)
	}

	var file segmentCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse segments file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Segments))
	for i := range file.Segments {
		seg := &file.Segments[i]
		if err := seg.Validate(); err != nil {
			return nil, fmt.Errorf("segments file %s: %w", path, err)
		}
		if seen[seg.Name] {
			return nil, fmt.Errorf("segments file %s: duplicate segment %q", path, seg.Name)
		}
		seen[seg.Name] = true
	}

	return file.Segments, nil
}
