package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	// TOTPPeriod is the length of one time step in seconds
	TOTPPeriod = 30
	// TOTPDigits is the number of digits in a code
	TOTPDigits = otp.DigitsSix
	// MinSecretSize is the minimum secret size in bytes (160 bits)
	MinSecretSize = 20
)

var totpOpts = totp.ValidateOpts{
	Period:    TOTPPeriod,
	Digits:    TOTPDigits,
	Algorithm: otp.AlgorithmSHA1,
}

// Counter returns the TOTP time-step counter for t
func Counter(t time.Time) int64 {
	return t.Unix() / TOTPPeriod
}

// ComputeCode returns the 6-digit code for a base32 secret at t
func ComputeCode(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, totpOpts)
	if err != nil {
		return "", fmt.Errorf("failed to compute TOTP code: %w", err)
	}
	return code, nil
}

// VerifyCode checks candidate against the codes for counter-tolerance through
// counter+tolerance and returns the first matching counter.
func VerifyCode(secret, candidate string, t time.Time, toleranceSteps int) (int64, bool, error) {
	if len(candidate) != TOTPDigits.Length() {
		return 0, false, nil
	}

	opts := hotp.ValidateOpts{Digits: TOTPDigits, Algorithm: otp.AlgorithmSHA1}
	base := Counter(t)
	for step := -toleranceSteps; step <= toleranceSteps; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		code, err := hotp.GenerateCodeCustom(secret, uint64(counter), opts)
		if err != nil {
			return 0, false, fmt.Errorf("failed to compute HOTP code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(candidate)) == 1 {
			return counter, true, nil
		}
	}

	return 0, false, nil
}

// TOTPManager handles secret generation, provisioning and encryption at rest
type TOTPManager struct {
	encryptionKey []byte // 32-byte AES-256 key
	issuer        string // Issuer shown in authenticator apps
	secretSize    uint
}

// NewTOTPManager creates a new TOTP manager
// encryptionKey must be exactly 32 bytes for AES-256
func NewTOTPManager(encryptionKey []byte, issuer string, secretSize int) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}
	if secretSize < MinSecretSize {
		secretSize = MinSecretSize
	}

	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
		secretSize:    uint(secretSize),
	}, nil
}

// ProvisionedSecret is a freshly generated secret in every form the client needs
type ProvisionedSecret struct {
	Secret          string // base32, for manual entry
	ProvisioningURI string // otpauth:// URI
	QRCode          string // PNG data URL of the URI
}

// GenerateSecret creates a new random secret for accountName
func (tm *TOTPManager) GenerateSecret(accountName string) (*ProvisionedSecret, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  tm.secretSize,
		Period:      TOTPPeriod,
		Digits:      TOTPDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}

	qrImage, err := qr.PNG(200)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &ProvisionedSecret{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrImage),
	}, nil
}

// EncryptSecret encrypts a TOTP secret using AES-256-GCM
// Returns: (encryptedBytes, nonce, error)
func (tm *TOTPManager) EncryptSecret(secret string) ([]byte, []byte, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, []byte(secret), nil), nonce, nil
}

// DecryptSecret decrypts an encrypted TOTP secret
func (tm *TOTPManager) DecryptSecret(encrypted, nonce []byte) (string, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return "", err
	}

	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("failed to decrypt secret: invalid nonce length %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return string(plaintext), nil
}

func (tm *TOTPManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
