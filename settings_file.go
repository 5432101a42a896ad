package repocrypto

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SettingsFile is a settings snapshot loaded from a YAML document of the form
//
//	settings:
//	  bucket_name: backups
//	  chunk_size: 8mb
//	secure_files:
//	  repository.public_key_file: keys/public.pem
//	  repository.private_key_file: keys/private.pem
//
// Secure files are read into the snapshot; relative paths are resolved
// against the directory of the settings file.
type SettingsFile struct {
	Path        string
	Settings    Settings
	SecureFiles map[string]string // setting name -> absolute path
}

type settingsDocument struct {
	Settings    map[string]any    `yaml:"settings"`
	SecureFiles map[string]string `yaml:"secure_files"`
}

// LoadSettingsFile reads the YAML settings document at path and every secure
// file it references.
func LoadSettingsFile(path string) (*SettingsFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("repository: settings file %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("repository: settings file: %w", err)
	}

	var doc settingsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: settings file %s: %v", ErrInvalidSetting, path, err)
	}

	values := make(map[string]string, len(doc.Settings))
	for k, v := range doc.Settings {
		switch v := v.(type) {
		case nil:
			values[k] = ""
		case map[string]any, []any:
			return nil, fmt.Errorf("%w: setting %s must be a scalar", ErrInvalidSetting, k)
		case float64:
			// 1e8 must reach the decoders as "100000000", not "1e+08".
			values[k] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			values[k] = fmt.Sprint(v)
		}
	}

	dir := filepath.Dir(abs)
	secure := make(map[string][]byte, len(doc.SecureFiles))
	files := make(map[string]string, len(doc.SecureFiles))
	for k, p := range doc.SecureFiles {
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("repository: secure setting %s: %w", k, err)
		}
		secure[k] = b
		files[k] = p
	}

	return &SettingsFile{
		Path:        abs,
		Settings:    Settings{values: values, secure: secure},
		SecureFiles: files,
	}, nil
}

// Files returns the settings file path followed by the sorted secure file paths.
func (f *SettingsFile) Files() []string {
	paths := make([]string, 0, len(f.SecureFiles))
	for _, p := range f.SecureFiles {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return append([]string{f.Path}, slices.Compact(paths)...)
}
