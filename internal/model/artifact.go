package model

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// DefaultTag is used when an artifact reference carries neither tag nor digest.
const DefaultTag = "latest"

// ArtifactReference identifies the container image to deploy.
// It is immutable once constructed; use ParseArtifact or NewArtifactReference.
type ArtifactReference struct {
	registryHost string
	repository   string
	tag          string
	digest       string
}

// NewArtifactReference builds a tag-based reference. An empty tag means "latest".
func NewArtifactReference(registryHost, repository, tag string) (ArtifactReference, error) {
	if tag == "" {
		tag = DefaultTag
	}
	return ParseArtifact(registryHost + "/" + repository + ":" + tag)
}

// ParseArtifact parses "host[:port]/path[:tag][@digest]". The registry host
// must be explicit: "app:v1" is rejected instead of silently resolving to
// Docker Hub.
func ParseArtifact(s string) (ArtifactReference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ArtifactReference{}, Errorf(KindInvalidInput, "", "artifact reference is empty")
	}

	named, err := reference.ParseNamed(s)
	if err != nil {
		return ArtifactReference{}, WrapError(KindInvalidInput, "", fmt.Errorf("parse artifact %q: %w", s, err))
	}

	ref := ArtifactReference{
		registryHost: reference.Domain(named),
		repository:   reference.Path(named),
	}
	if ref.registryHost == "" || !strings.Contains(s, "/") {
		return ArtifactReference{}, Errorf(KindInvalidInput, "", "artifact %q has no registry host", s)
	}

	if tagged, ok := named.(reference.Tagged); ok {
		ref.tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		d := digested.Digest()
		if err := d.Validate(); err != nil {
			return ArtifactReference{}, WrapError(KindInvalidInput, "", fmt.Errorf("artifact %q: %w", s, err))
		}
		ref.digest = d.String()
	}
	if ref.tag == "" && ref.digest == "" {
		ref.tag = DefaultTag
	}
	return ref, nil
}

func (a ArtifactReference) RegistryHost() string { return a.registryHost }
func (a ArtifactReference) Repository() string   { return a.repository }
func (a ArtifactReference) Tag() string          { return a.tag }
func (a ArtifactReference) Digest() string       { return a.digest }

// IsZero reports whether the reference was never initialised.
func (a ArtifactReference) IsZero() bool {
	return a.registryHost == "" && a.repository == ""
}

// Image renders the reference the way the container engine expects it.
// A digest wins over a tag so pinned deployments stay immutable.
func (a ArtifactReference) Image() string {
	base := a.registryHost + "/" + a.repository
	if a.digest != "" {
		return base + "@" + a.digest
	}
	return base + ":" + a.tag
}

func (a ArtifactReference) String() string {
	return a.Image()
}

// Validate checks the construction invariants.
func (a ArtifactReference) Validate() error {
	if a.registryHost == "" {
		return Errorf(KindInvalidInput, "", "artifact registry host is required")
	}
	if a.repository == "" {
		return Errorf(KindInvalidInput, "", "artifact repository is required")
	}
	if a.digest != "" {
		if _, err := digest.Parse(a.digest); err != nil {
			return WrapError(KindInvalidInput, "", err)
		}
	}
	return nil
}

func (a ArtifactReference) MarshalText() ([]byte, error) {
	return []byte(a.Image()), nil
}

func (a *ArtifactReference) UnmarshalText(b []byte) error {
	ref, err := ParseArtifact(string(b))
	if err != nil {
		return err
	}
	*a = ref
	return nil
}
