package pdf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrPasswordRequired is returned when an encrypted PDF cannot be opened
// with the supplied credentials.
var ErrPasswordRequired = errors.New("pdf is encrypted: correct password required")

// Credentials holds PDF passwords.
type Credentials struct {
	UserPassword  string `mapstructure:"user_password" yaml:"user_password,omitempty" json:"user_password,omitempty"`
	OwnerPassword string `mapstructure:"owner_password" yaml:"owner_password,omitempty" json:"owner_password,omitempty"`
}

// Empty reports whether no password is set.
func (c Credentials) Empty() bool {
	return c.UserPassword == "" && c.OwnerPassword == ""
}

func (c Credentials) configuration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.UserPW = c.UserPassword
	conf.OwnerPW = c.OwnerPassword
	return conf
}

// IsPasswordError reports whether err is pdfcpu's way of saying the
// document needs (another) password.
func IsPasswordError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password") || strings.Contains(msg, "encrypted") || strings.Contains(msg, "decrypt")
}

// IsEncrypted reports whether filename cannot be opened without a password.
func IsEncrypted(filename string) (bool, error) {
	if _, err := api.PageCountFile(filename); err != nil {
		if IsPasswordError(err) {
			return true, nil
		}
		return false, fmt.Errorf("failed to check PDF encryption status: %w", err)
	}
	return false, nil
}

// decryptToTemp writes a decrypted copy of filename into dir.
func decryptToTemp(filename, dir string, creds Credentials) (string, error) {
	out := filepath.Join(dir, "decrypted.pdf")
	if err := api.DecryptFile(filename, out, creds.configuration()); err != nil {
		if IsPasswordError(err) {
			return "", fmt.Errorf("%w: %v", ErrPasswordRequired, err)
		}
		return "", fmt.Errorf("decrypt pdf: %w", err)
	}
	return out, nil
}

// encryptInPlace protects filename with AES-256 using creds.
func encryptInPlace(filename string, creds Credentials) error {
	owner := creds.OwnerPassword
	if owner == "" {
		owner = creds.UserPassword
	}
	conf := model.NewAESConfiguration(creds.UserPassword, owner, 256)
	tmp := filename + ".enc"
	if err := api.EncryptFile(filename, tmp, conf); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("encrypt pdf: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("encrypt pdf: %w", err)
	}
	return nil
}
