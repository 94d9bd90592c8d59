package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// BackupCodeCharset excludes the ambiguous characters 0/O, 1/I/L
const BackupCodeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// BackupCodeLength is the number of characters in a backup code
const BackupCodeLength = 8

const backupCodeSaltSize = 16

// Argon2id parameters. Lookup hashes exactly one candidate per attempt.
const (
	argonTime    = 1
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = 32
)

// GenerateBackupCodes generates count random backup codes
func GenerateBackupCodes(count int) ([]string, error) {
	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)

	for len(codes) < count {
		code := make([]byte, BackupCodeLength)
		for j := range code {
			idx, err := cryptoRandIntn(len(BackupCodeCharset))
			if err != nil {
				return nil, fmt.Errorf("failed to generate random index: %w", err)
			}
			code[j] = BackupCodeCharset[idx]
		}
		s := string(code)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		codes = append(codes, s)
	}

	return codes, nil
}

// GenerateBackupCodeSalt returns a fresh per-user salt
func GenerateBackupCodeSalt() ([]byte, error) {
	salt := make([]byte, backupCodeSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// NormalizeBackupCode uppercases and strips separators users commonly type
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// HashBackupCode returns the salted Argon2id hash of a normalized code.
// The hash is deterministic for a given salt so it can be looked up directly.
func HashBackupCode(salt []byte, code string) string {
	sum := argon2.IDKey([]byte(NormalizeBackupCode(code)), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(sum)
}

// IsValidBackupCodeFormat checks length and charset of a normalized code
func IsValidBackupCodeFormat(code string) bool {
	if len(code) != BackupCodeLength {
		return false
	}
	for _, ch := range code {
		if !strings.ContainsRune(BackupCodeCharset, ch) {
			return false
		}
	}
	return true
}
