package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/fastflow-labs/fastflow/internal/domain"
)

const (
	entrypointFile   = "main.py"
	requirementsFile = "requirements.txt"
)

// metadataFiles are tried in order; yaml.v3 also decodes JSON documents.
var metadataFiles = []string{"pipeline.yaml", "pipeline.yml", "pipeline.json"}

type rawMetadata struct {
	Enabled      *bool             `yaml:"enabled"`
	Description  string            `yaml:"description"`
	Tags         []string          `yaml:"tags"`
	CPUSoftLimit any               `yaml:"cpu_soft_limit"`
	CPUHardLimit any               `yaml:"cpu_hard_limit"`
	MemSoftLimit any               `yaml:"mem_soft_limit"`
	MemHardLimit any               `yaml:"mem_hard_limit"`
	Timeout      any               `yaml:"timeout"`
	Image        string            `yaml:"image"`
	SecretEnv    []string          `yaml:"secret_env"`
	DefaultEnv   map[string]string `yaml:"default_env"`
}

// Load reads every pipeline below dir. Directories without main.py and hidden
// directories are ignored. Any invalid pipeline fails the whole load so a bad
// commit never partially replaces the catalog.
func Load(dir string) (map[string]domain.Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipelines dir: %w", err)
	}

	out := make(map[string]domain.Pipeline, len(entries))
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || strings.HasPrefix(entry.Name(), "__") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, entrypointFile)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		p, err := loadPipeline(entry.Name(), path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[p.Name] = p
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func loadPipeline(name, path string) (domain.Pipeline, error) {
	p := domain.Pipeline{
		Name:    name,
		Enabled: true,
		Path:    path,
		Metadata: domain.PipelineMetadata{
			Tags: []string{},
		},
	}
	if err := domain.ValidatePipelineName(name); err != nil {
		return domain.Pipeline{}, err
	}

	hash := sha256.New()
	if err := hashFile(hash, filepath.Join(path, entrypointFile)); err != nil {
		return domain.Pipeline{}, err
	}

	reqPath := filepath.Join(path, requirementsFile)
	if _, err := os.Stat(reqPath); err == nil {
		p.HasRequirements = true
		if err := hashFile(hash, reqPath); err != nil {
			return domain.Pipeline{}, err
		}
	}

	for _, file := range metadataFiles {
		metaPath := filepath.Join(path, file)
		blob, err := os.ReadFile(metaPath)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return domain.Pipeline{}, fmt.Errorf("pipeline %s: read %s: %w", name, file, err)
		}
		hash.Write(blob)
		enabled, meta, err := parseMetadata(blob)
		if err != nil {
			return domain.Pipeline{}, fmt.Errorf("pipeline %s: %s: %w", name, file, err)
		}
		p.Enabled = enabled
		p.Metadata = meta
		break
	}

	p.Checksum = hex.EncodeToString(hash.Sum(nil))
	if err := p.Validate(); err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

func parseMetadata(blob []byte) (bool, domain.PipelineMetadata, error) {
	var raw rawMetadata
	if err := yaml.Unmarshal(blob, &raw); err != nil {
		return false, domain.PipelineMetadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	cpuSoft, err := parseCPU(raw.CPUSoftLimit)
	if err != nil {
		return false, domain.PipelineMetadata{}, fmt.Errorf("cpu_soft_limit: %w", err)
	}
	cpuHard, err := parseCPU(raw.CPUHardLimit)
	if err != nil {
		return false, domain.PipelineMetadata{}, fmt.Errorf("cpu_hard_limit: %w", err)
	}
	memSoft, err := parseMemoryMB(raw.MemSoftLimit)
	if err != nil {
		return false, domain.PipelineMetadata{}, fmt.Errorf("mem_soft_limit: %w", err)
	}
	memHard, err := parseMemoryMB(raw.MemHardLimit)
	if err != nil {
		return false, domain.PipelineMetadata{}, fmt.Errorf("mem_hard_limit: %w", err)
	}
	timeout, err := parseTimeout(raw.Timeout)
	if err != nil {
		return false, domain.PipelineMetadata{}, fmt.Errorf("timeout: %w", err)
	}

	meta := domain.PipelineMetadata{
		Limits: domain.Limits{
			CPUSoft:   cpuSoft,
			CPUHard:   cpuHard,
			MemSoftMB: memSoft,
			MemHardMB: memHard,
		},
		Description: strings.TrimSpace(raw.Description),
		Tags:        normalizeTags(raw.Tags),
		Timeout:     timeout,
		Image:       strings.TrimSpace(raw.Image),
		SecretEnv:   raw.SecretEnv,
		DefaultEnv:  raw.DefaultEnv,
	}
	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}
	return enabled, meta, nil
}

// parseCPU accepts cores ("1.5") or a percentage of one core ("50%").
func parseCPU(v any) (float64, error) {
	switch typed := v.(type) {
	case nil:
		return 0, nil
	case int:
		return float64(typed), nil
	case float64:
		return typed, nil
	case string:
		s := strings.TrimSpace(typed)
		if s == "" {
			return 0, nil
		}
		pct, isPct := strings.CutSuffix(s, "%")
		n, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu value %q", typed)
		}
		if isPct {
			n /= 100
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported value %v", v)
	}
}

// parseMemoryMB accepts a bare number of megabytes or a human size such as
// "512m" or "2g".
func parseMemoryMB(v any) (int64, error) {
	switch typed := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(typed), nil
	case float64:
		return int64(typed), nil
	case string:
		s := strings.TrimSpace(typed)
		if s == "" {
			return 0, nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(n), nil
		}
		b, err := units.RAMInBytes(s)
		if err != nil {
			return 0, err
		}
		return b / units.MiB, nil
	default:
		return 0, fmt.Errorf("unsupported value %v", v)
	}
}

// parseTimeout accepts seconds or a Go duration string.
func parseTimeout(v any) (time.Duration, error) {
	switch typed := v.(type) {
	case nil:
		return 0, nil
	case int:
		return time.Duration(typed) * time.Second, nil
	case float64:
		return time.Duration(typed * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(typed)
		if s == "" {
			return 0, nil
		}
		if n, err := strconv.Atoi(s); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		return time.ParseDuration(s)
	default:
		return 0, fmt.Errorf("unsupported value %v", v)
	}
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func hashFile(h io.Writer, path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	_, _ = h.Write([]byte(filepath.Base(path)))
	_, _ = h.Write(blob)
	return nil
}
