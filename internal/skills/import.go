package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"cortex/internal/store"
)

// skillFile is one parsed markdown skill: YAML front matter for identity,
// body as the instruction text.
type skillFile struct {
	Name        string
	Description string
	Version     string
	Body        string
	SourcePath  string
}

type frontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
}

// ImportDir loads markdown skill files from dir and upserts them as
// system-owned instruction skills, matched by normalised name. Returns how
// many rows were created or changed. A missing directory imports nothing;
// malformed files are logged and skipped.
func (s *Service) ImportDir(ctx context.Context, dir string) (int, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return 0, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat skills dir: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("skills dir %s is not a directory", dir)
	}

	paths, err := discoverSkillFiles(dir)
	if err != nil {
		return 0, fmt.Errorf("discover skills: %w", err)
	}

	existing, err := s.store.ListSkills(ctx, false)
	if err != nil {
		return 0, err
	}
	byName := make(map[string]store.SkillRow, len(existing))
	for _, row := range existing {
		byName[NormalizeName(row.Name)] = row
	}

	imported := 0
	for _, path := range paths {
		file, err := parseSkillFile(path)
		if err != nil {
			s.logger.Warn("Skill import: %v", err)
			continue
		}
		if file.Name == "" || file.Description == "" {
			s.logger.Warn("Skill import: %s missing name or description front matter", path)
			continue
		}

		key := NormalizeName(file.Name)
		prev, seen := byName[key]
		if seen {
			if prev.Owner != store.OwnerSystem {
				s.logger.Warn("Skill import: %s collides with %s-owned skill, skipped", file.Name, prev.Owner)
				continue
			}
			if prev.InstructionContent == file.Body && prev.Description == file.Description && prev.Version == file.Version {
				continue
			}
			prev.Description = file.Description
			prev.Version = file.Version
			prev.InstructionContent = file.Body
			prev.InstructionPath = file.SourcePath
			if _, err := s.Update(ctx, ActorSystem, prev); err != nil {
				s.logger.Warn("Skill import: update %s: %v", file.Name, err)
				continue
			}
			imported++
			continue
		}

		row := store.SkillRow{
			Name:               file.Name,
			Description:        file.Description,
			Version:            file.Version,
			Tier:               store.TierInstruction,
			Enabled:            true,
			Owner:              store.OwnerSystem,
			InstructionPath:    file.SourcePath,
			InstructionContent: file.Body,
		}
		created, err := s.Create(ctx, ActorSystem, row)
		if err != nil {
			s.logger.Warn("Skill import: create %s: %v", file.Name, err)
			continue
		}
		byName[key] = *created
		imported++
	}
	return imported, nil
}

// discoverSkillFiles finds markdown files directly under root plus
// SKILL.md/SKILL.mdx inside one level of subdirectories.
func discoverSkillFiles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			for _, candidate := range []string{"SKILL.md", "SKILL.mdx"} {
				path := filepath.Join(root, name, candidate)
				info, err := os.Stat(path)
				if err == nil && !info.IsDir() {
					paths = append(paths, path)
					break
				}
			}
			continue
		}
		if isMarkdownFile(name) {
			paths = append(paths, filepath.Join(root, name))
		}
	}

	sort.Strings(paths)
	return paths, nil
}

func parseSkillFile(path string) (skillFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return skillFile{}, fmt.Errorf("read skill %s: %w", path, err)
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	metaText, bodyText, hasFrontMatter := splitFrontMatter(content)
	var meta frontMatter
	if hasFrontMatter {
		if err := yaml.Unmarshal([]byte(metaText), &meta); err != nil {
			return skillFile{}, fmt.Errorf("parse skill front matter %s: %w", path, err)
		}
	}

	return skillFile{
		Name:        strings.TrimSpace(meta.Name),
		Description: strings.TrimSpace(meta.Description),
		Version:     strings.TrimSpace(meta.Version),
		Body:        strings.TrimSpace(bodyText),
		SourcePath:  path,
	}, nil
}

func splitFrontMatter(content string) (string, string, bool) {
	lines := strings.Split(content, "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return "", content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			meta := strings.Join(lines[1:i], "\n")
			body := strings.Join(lines[i+1:], "\n")
			return meta, body, true
		}
	}
	return "", content, false
}

func isMarkdownFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".mdx")
}

// NormalizeName normalizes a skill name for lookups.
func NormalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
