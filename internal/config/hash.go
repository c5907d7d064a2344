package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/zeebo/blake3"
)

// ChecksumSuffix is appended to a config path to name its checksum file.
const ChecksumSuffix = ".b3"

// Fingerprint computes the BLAKE3 hash of a file as lowercase hex.
func Fingerprint(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFingerprint verifies a file against an expected BLAKE3 hash.
func VerifyFingerprint(filePath, expectedHash string) error {
	actualHash, err := Fingerprint(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// WriteChecksum records the current fingerprint of configPath next to it.
func WriteChecksum(configPath string) (string, error) {
	hash, err := Fingerprint(configPath)
	if err != nil {
		return "", err
	}
	line := hash + "  " + filepath.Base(configPath) + "\n"
	if err := renameio.WriteFile(configPath+ChecksumSuffix, []byte(line), 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksum: %w", err)
	}
	return hash, nil
}

// VerifyChecksum checks configPath against its checksum file. It returns
// false with no error when there is no checksum file.
func VerifyChecksum(configPath string) (bool, error) {
	data, err := os.ReadFile(configPath + ChecksumSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read checksum: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return false, fmt.Errorf("checksum file %s is empty", configPath+ChecksumSuffix)
	}
	if err := VerifyFingerprint(configPath, fields[0]); err != nil {
		return true, fmt.Errorf("config verification failed: %w\n"+
			"If you edited the file intentionally, run: pipepulse config hash", err)
	}
	return true, nil
}
