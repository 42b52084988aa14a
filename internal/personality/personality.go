// Package personality loads the system prompt given to the research model.
package personality

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	FileName = "RESEARCH_PERSONALITY.md"
	Default  = "You are a careful web research assistant.\n\nBehavior guidelines:\n- Answer only from the page content and summaries you are given.\n- Say plainly when the sources do not cover the question.\n- Keep source URLs exactly as given; never invent links.\n- Be concise and use Markdown with short paragraphs."
)

// Load returns the system prompt. An explicit path must be readable. Without
// one, FileName is looked up from the working directory upwards, and Default
// is used when it is not found or is empty.
func Load(path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read system prompt: %w", err)
		}
		return orDefault(string(data)), nil
	}
	prompt, err := ReadFromDisk()
	if err != nil {
		return Default, nil
	}
	return orDefault(prompt), nil
}

func ReadFromDisk() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	path, err := findInParents(cwd, FileName)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func orDefault(prompt string) string {
	if prompt = strings.TrimSpace(prompt); prompt != "" {
		return prompt
	}
	return Default
}

func findInParents(startDir string, filename string) (string, error) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
