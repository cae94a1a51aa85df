package verify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/aonescu/tiops/internal/types"
)

const DefaultAtomicsURL = "https://raw.githubusercontent.com/redcanaryco/atomic-red-team/master/atomics"

// TechniqueTest is one executable test published for a technique.
type TechniqueTest struct {
	Name      string
	Platforms []string
	Executor  string
	Command   string
}

func (t TechniqueTest) Supports(platform string) bool {
	for _, p := range t.Platforms {
		if strings.EqualFold(p, platform) {
			return true
		}
	}
	return false
}

// TechniqueSource resolves a technique id to its published tests.
type TechniqueSource interface {
	Tests(ctx context.Context, techniqueID string) ([]TechniqueTest, error)
}

type atomicDocument struct {
	AttackTechnique string       `yaml:"attack_technique"`
	DisplayName     string       `yaml:"display_name"`
	AtomicTests     []atomicTest `yaml:"atomic_tests"`
}

type atomicTest struct {
	Name               string   `yaml:"name"`
	SupportedPlatforms []string `yaml:"supported_platforms"`
	Executor           struct {
		Name    string `yaml:"name"`
		Command string `yaml:"command"`
	} `yaml:"executor"`
}

// AtomicSource reads technique definitions laid out as <base>/<T>/<T>.yaml.
type AtomicSource struct {
	baseURL string
	client  *http.Client
	cache   *lru.Cache[string, []TechniqueTest]
}

func NewAtomicSource(baseURL string, client *http.Client, cacheSize int) (*AtomicSource, error) {
	if baseURL == "" {
		baseURL = DefaultAtomicsURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, []TechniqueTest](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create technique cache: %w", err)
	}
	return &AtomicSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		cache:   cache,
	}, nil
}

func (s *AtomicSource) Tests(ctx context.Context, techniqueID string) ([]TechniqueTest, error) {
	id := strings.ToUpper(strings.TrimSpace(techniqueID))
	if id == "" {
		return nil, types.NewError(types.KindInvalid, "fetch technique", fmt.Errorf("empty technique id"))
	}
	if tests, ok := s.cache.Get(id); ok {
		return tests, nil
	}

	url := fmt.Sprintf("%s/%s/%s.yaml", s.baseURL, id, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewError(types.KindInvalid, "fetch technique "+id, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.KindConnectivity, "fetch technique "+id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewError(types.KindNotFound, "fetch technique "+id, fmt.Errorf("no definition at %s", url))
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewError(types.KindConnectivity, "fetch technique "+id, fmt.Errorf("%s returned %d", url, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, types.NewError(types.KindConnectivity, "read technique "+id, err)
	}

	var doc atomicDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, types.NewError(types.KindSchema, "decode technique "+id, err)
	}

	tests := make([]TechniqueTest, 0, len(doc.AtomicTests))
	for _, at := range doc.AtomicTests {
		tests = append(tests, TechniqueTest{
			Name:      at.Name,
			Platforms: at.SupportedPlatforms,
			Executor:  at.Executor.Name,
			Command:   strings.TrimSpace(at.Executor.Command),
		})
	}
	s.cache.Add(id, tests)
	return tests, nil
}
