package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// SecureFilePermissions for files holding private keys.
const SecureFilePermissions = 0o600

// SecureDirPermissions for directories holding private keys.
const SecureDirPermissions = 0o700

// StandardFilePermissions for config.yaml.
const StandardFilePermissions = 0o644

// StandardDirPermissions for the config directory.
const StandardDirPermissions = 0o755

// IdentityFileName is the key file kept next to config.yaml.
const IdentityFileName = "identity.key"

// SanitizePath resolves userPath against basePath and rejects results that
// escape basePath.
func SanitizePath(basePath, userPath string) (string, error) {
	if basePath == "" {
		return "", oops.Errorf("base path cannot be empty")
	}
	cleanBase, err := filepath.Abs(filepath.Clean(basePath))
	if err != nil {
		return "", oops.Wrapf(err, "invalid base path")
	}
	if userPath == "" {
		return cleanBase, nil
	}

	resolved := userPath
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(cleanBase, resolved)
	}
	abs, err := filepath.Abs(filepath.Clean(resolved))
	if err != nil {
		return "", oops.Wrapf(err, "invalid path")
	}

	if abs != cleanBase && !strings.HasPrefix(abs, cleanBase+string(filepath.Separator)) {
		log.WithFields(logger.Fields{
			"at":            "SanitizePath",
			"reason":        "path_traversal_attempt",
			"base_path":     cleanBase,
			"resolved_path": abs,
		}).Warn("potential path traversal blocked")
		return "", oops.Errorf("path %q escapes base directory %q", userPath, basePath)
	}
	return abs, nil
}

// IdentityPath returns the key file path for name, resolved inside the
// default config directory. An empty name selects IdentityFileName.
func IdentityPath(name string) (string, error) {
	if name == "" {
		name = IdentityFileName
	}
	return SanitizePath(DefaultDirPath(), name)
}

// CreateSecureDirectory creates path with SecureDirPermissions.
func CreateSecureDirectory(path string) error {
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(cleanPath, SecureDirPermissions); err != nil {
		return oops.Wrapf(err, "create secure directory %q", cleanPath)
	}
	// MkdirAll leaves an existing directory's mode alone.
	if err := os.Chmod(cleanPath, SecureDirPermissions); err != nil {
		log.WithFields(logger.Fields{
			"at":     "CreateSecureDirectory",
			"reason": "chmod_failed",
			"path":   cleanPath,
		}).WithError(err).Warn("could not set secure permissions on directory")
	}
	return nil
}

// WriteSecureFile writes data to path readable only by the owner.
func WriteSecureFile(path string, data []byte) error {
	cleanPath := filepath.Clean(path)
	if err := os.WriteFile(cleanPath, data, SecureFilePermissions); err != nil {
		return oops.Wrapf(err, "write secure file %q", cleanPath)
	}
	if err := os.Chmod(cleanPath, SecureFilePermissions); err != nil {
		log.WithFields(logger.Fields{
			"at":     "WriteSecureFile",
			"reason": "chmod_failed",
			"path":   cleanPath,
		}).WithError(err).Warn("could not set secure permissions on file")
	}
	return nil
}

// ReadSecureFile reads path and warns when group or others can access it.
func ReadSecureFile(path string) ([]byte, error) {
	secure, err := IsPathSecure(path, SecureFilePermissions)
	if err != nil {
		return nil, oops.Wrapf(err, "stat %q", path)
	}
	if !secure {
		log.WithFields(logger.Fields{
			"at":     "ReadSecureFile",
			"reason": "insecure_permissions",
			"path":   path,
		}).Warn("key file is accessible by other users")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Wrapf(err, "read %q", path)
	}
	return b, nil
}

// IsPathSecure reports whether path has no permission bits beyond
// maxMode. A missing path counts as secure.
func IsPathSecure(path string, maxMode os.FileMode) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return info.Mode().Perm()&^maxMode == 0, nil
}

// SecureExistingPath tightens the mode of an existing file or directory.
func SecureExistingPath(path string, isDir bool) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var mode os.FileMode
	switch {
	case info.IsDir() && isDir:
		mode = SecureDirPermissions
	case !info.IsDir() && !isDir:
		mode = SecureFilePermissions
	case info.IsDir():
		return oops.Errorf("expected file but found directory: %s", path)
	default:
		return oops.Errorf("expected directory but found file: %s", path)
	}
	if err := os.Chmod(path, mode); err != nil {
		return oops.Wrapf(err, "secure path %q", path)
	}
	log.WithFields(logger.Fields{
		"at":     "SecureExistingPath",
		"reason": "permissions_updated",
		"path":   path,
		"mode":   fmt.Sprintf("%04o", mode),
	}).Debug("updated path permissions")
	return nil
}
