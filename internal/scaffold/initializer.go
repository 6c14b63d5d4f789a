// Package scaffold writes a starter conduit.yml and compose file.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/conduit/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Files lists what Initialize creates, relative to the target directory.
var Files = []string{config.DefaultPath, "docker-compose.yml"}

// Initialize writes the starter files into dir.
// If force is true, existing files are overwritten.
func Initialize(dir string, force bool) error {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles(dir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	return validateCreatedFiles(dir)
}

func getTemplateFiles(dir string) ([]FileInfo, error) {
	templates := map[string]string{
		config.DefaultPath:   "templates/conduit.yml.tmpl",
		"docker-compose.yml": "templates/docker-compose.yml.tmpl",
	}

	files := make([]FileInfo, 0, len(Files))
	for _, name := range Files {
		content, err := templatesFS.ReadFile(templates[name])
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", name, err)
		}
		files = append(files, FileInfo{
			Path:        filepath.Join(dir, name),
			Content:     content,
			Permissions: 0644,
		})
	}
	return files, nil
}

// validateCreatedFiles checks the config loads and the compose file parses.
func validateCreatedFiles(dir string) error {
	if _, err := config.Load(filepath.Join(dir, config.DefaultPath)); err != nil {
		return fmt.Errorf("created %s is invalid: %w", config.DefaultPath, err)
	}

	content, err := os.ReadFile(filepath.Join(dir, "docker-compose.yml"))
	if err != nil {
		return fmt.Errorf("failed to read created docker-compose.yml: %w", err)
	}
	var compose map[string]any
	if err := yaml.Unmarshal(content, &compose); err != nil {
		return fmt.Errorf("created docker-compose.yml is not valid YAML: %w", err)
	}

	return nil
}
