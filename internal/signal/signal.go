// Package signal reads the decision file an agent leaves in its working
// directory and watches for it to appear.
package signal

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"flowboard/internal/domain"
)

var ErrMalformed = errors.New("malformed decision signal")

// Signal is the content of a decision file. JSON files parse as YAML.
type Signal struct {
	Answer       string `yaml:"answer" json:"answer"`
	Feedback     string `yaml:"feedback" json:"feedback,omitempty"`
	ArtifactType string `yaml:"artifact_type" json:"artifact_type,omitempty"`
	Title        string `yaml:"title" json:"title,omitempty"`
	Content      string `yaml:"content" json:"content,omitempty"`
	Scope        string `yaml:"scope" json:"scope,omitempty"`
}

// Decision returns nil when the signal carries neither answer nor feedback.
func (s Signal) Decision() *domain.Decision {
	if s.Answer == "" && s.Feedback == "" {
		return nil
	}
	return &domain.Decision{Answer: s.Answer, Feedback: s.Feedback}
}

func (s Signal) HasArtifact() bool {
	return s.ArtifactType != ""
}

// ArtifactScope splits Scope into a scope and, for "path:<pattern>", the pattern.
// An empty scope means the item itself.
func (s Signal) ArtifactScope() (domain.ArtifactScope, string) {
	switch {
	case s.Scope == "" || s.Scope == string(domain.ArtifactItem):
		return domain.ArtifactItem, ""
	case strings.HasPrefix(s.Scope, "path:"):
		return domain.ArtifactPath, strings.TrimSpace(strings.TrimPrefix(s.Scope, "path:"))
	}
	return domain.ArtifactScope(s.Scope), ""
}

// Parse decodes and validates a decision file.
func Parse(data []byte) (Signal, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 {
		return Signal{}, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	var s Signal
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s.Answer = strings.TrimSpace(s.Answer)
	if err := s.validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

func (s Signal) validate() error {
	if !s.HasArtifact() {
		if s.Title != "" || s.Content != "" {
			return fmt.Errorf("%w: title and content need artifact_type", ErrMalformed)
		}
		return nil
	}
	if strings.TrimSpace(s.Title) == "" || s.Content == "" {
		return fmt.Errorf("%w: artifact %q needs a title and content", ErrMalformed, s.ArtifactType)
	}
	scope, pattern := s.ArtifactScope()
	switch scope {
	case domain.ArtifactItem, domain.ArtifactGroup, domain.ArtifactGlobal:
	case domain.ArtifactPath:
		if pattern == "" {
			return fmt.Errorf("%w: path scope needs a pattern", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrMalformed, s.Scope)
	}
	return nil
}

// Read parses the decision file at path. A missing file returns an error
// matching os.ErrNotExist.
func Read(path string) (Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Signal{}, err
	}
	return Parse(data)
}

// Archive renames a consumed decision file so it is not read again.
func Archive(path string, cycle int) error {
	err := os.Rename(path, fmt.Sprintf("%s.%d.done", path, cycle))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
