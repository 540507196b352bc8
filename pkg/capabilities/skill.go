package capabilities

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFile is the file that marks a directory as a skill.
const SkillFile = "SKILL.md"

// Skill is a discovered skill.
type Skill struct {
	Name        string
	Description string
	Dir         string
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ParseSkill reads dir/SKILL.md and validates its frontmatter.
func ParseSkill(dir string) (Skill, error) {
	content, err := os.ReadFile(filepath.Join(dir, SkillFile))
	if err != nil {
		return Skill{}, err
	}
	fm, _, err := splitFrontmatter(string(content))
	if err != nil {
		return Skill{}, err
	}
	if err := validateName(fm.Name); err != nil {
		return Skill{}, err
	}
	if err := validateDescription(fm.Description); err != nil {
		return Skill{}, err
	}
	return Skill{Name: fm.Name, Description: fm.Description, Dir: dir}, nil
}

// Body returns SKILL.md without its frontmatter.
func (s Skill) Body() (string, error) {
	content, err := os.ReadFile(filepath.Join(s.Dir, SkillFile))
	if err != nil {
		return "", fmt.Errorf("failed to read skill %s: %w", s.Name, err)
	}
	_, body, err := splitFrontmatter(string(content))
	if err != nil {
		return "", err
	}
	return body, nil
}

func splitFrontmatter(content string) (frontmatter, string, error) {
	content = strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(content, "---") {
		return frontmatter{}, "", errors.New("SKILL.md missing YAML frontmatter")
	}
	rest := content[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return frontmatter{}, "", errors.New("SKILL.md frontmatter not closed with ---")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return frontmatter{}, "", fmt.Errorf("invalid SKILL.md frontmatter: %w", err)
	}
	body := rest[end+len("\n---"):]
	body = strings.TrimLeft(body, "\r\n")
	return fm, body, nil
}

func validateName(name string) error {
	if name == "" || len(name) > 64 {
		return errors.New("skill name must be 1-64 characters")
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			return fmt.Errorf("skill name %q must match [a-z0-9-]", name)
		}
	}
	return nil
}

func validateDescription(desc string) error {
	if strings.TrimSpace(desc) == "" {
		return errors.New("skill description is required")
	}
	if len(desc) > 1024 {
		return errors.New("skill description must be at most 1024 characters")
	}
	return nil
}
