package repocrypto

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingSetting is returned when a required setting is absent.
	ErrMissingSetting = errors.New("repository: missing setting")

	// ErrInvalidSetting is returned when a setting is present but out of range or unparsable.
	ErrInvalidSetting = errors.New("repository: invalid setting")

	// ErrPartialKeyPair is returned when only one half of the RSA key pair is configured.
	ErrPartialKeyPair = errors.New("repository: partial key pair")

	// ErrMalformedKey is returned when key bytes cannot be parsed as a matching RSA key pair.
	ErrMalformedKey = errors.New("repository: malformed key")

	// ErrNotConfigured is returned by SettingsProvider.Current before the first successful reload.
	ErrNotConfigured = errors.New("Cloud storage client haven't been configured")

	// ErrInvalidFormat is returned when a ciphertext stream has an unrecognized header.
	ErrInvalidFormat = errors.New("repository: invalid encrypted stream format")

	// ErrDecryptionFailed is returned when ciphertext fails authentication (wrong key, tampered or truncated data).
	ErrDecryptionFailed = errors.New("repository: decryption failed")

	// ErrTransport is returned when the underlying storage client fails.
	ErrTransport = errors.New("repository: transport failure")

	// ErrObjectNotFound is returned by clients when the requested object does not exist.
	ErrObjectNotFound = errors.New("repository: object not found")

	// ErrClientClosed is returned by an IOProvider whose storage client was
	// closed after a reload replaced it.
	ErrClientClosed = errors.New("repository: storage client replaced by a reload and closed")
)

// IsMissingSetting returns true if the error is or wraps ErrMissingSetting.
func IsMissingSetting(err error) bool {
	return errors.Is(err, ErrMissingSetting)
}

// IsInvalidSetting returns true if the error is or wraps ErrInvalidSetting.
func IsInvalidSetting(err error) bool {
	return errors.Is(err, ErrInvalidSetting)
}

// IsPartialKeyPair returns true if the error is or wraps ErrPartialKeyPair.
func IsPartialKeyPair(err error) bool {
	return errors.Is(err, ErrPartialKeyPair)
}

// IsMalformedKey returns true if the error is or wraps ErrMalformedKey.
func IsMalformedKey(err error) bool {
	return errors.Is(err, ErrMalformedKey)
}

// IsNotConfigured returns true if the error is or wraps ErrNotConfigured.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}

// IsInvalidFormat returns true if the error is or wraps ErrInvalidFormat.
func IsInvalidFormat(err error) bool {
	return errors.Is(err, ErrInvalidFormat)
}

// IsDecryptionFailed returns true if the error is or wraps ErrDecryptionFailed.
func IsDecryptionFailed(err error) bool {
	return errors.Is(err, ErrDecryptionFailed)
}

// IsTransport returns true if the error is or wraps ErrTransport.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsObjectNotFound returns true if the error is or wraps ErrObjectNotFound.
func IsObjectNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// IsClientClosed returns true if the error is or wraps ErrClientClosed.
func IsClientClosed(err error) bool {
	return errors.Is(err, ErrClientClosed)
}

// RepositoryError is an error tagged with the repository type that produced it.
//
// Kind is one of the package sentinels and is matched by errors.Is. Err is the
// underlying cause, if any.
type RepositoryError struct {
	RepoType string
	Kind     error
	Msg      string
	Err      error
}

func (e *RepositoryError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.RepoType == "" {
		return msg
	}
	return fmt.Sprintf("[%s] %s", e.RepoType, msg)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the error's kind.
func (e *RepositoryError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func newRepositoryError(repoType string, kind error, msg string) *RepositoryError {
	return &RepositoryError{RepoType: repoType, Kind: kind, Msg: msg}
}

// MissingSettingError reports a required plain setting that is absent, e.g.
// "[encrypted-s3] bucket_name hasn't been defined".
func MissingSettingError(repoType, key string) error {
	return newRepositoryError(repoType, ErrMissingSetting, key+" hasn't been defined")
}

// MissingSecureSettingError reports a secure setting that is absent, e.g.
// "Settings with name repository.private_key_file hasn't been set".
func MissingSecureSettingError(key string) error {
	return newRepositoryError("", ErrMissingSetting, "Settings with name "+key+" hasn't been set")
}

// MissingProviderSettingsError reports that a backend's credentials are
// entirely absent, e.g. "Settings for GC storage hasn't been set".
func MissingProviderSettingsError(repoType, provider string) error {
	return newRepositoryError(repoType, ErrMissingSetting, "Settings for "+provider+" storage hasn't been set")
}

// TransportError wraps a storage client failure for the given operation and object.
func TransportError(repoType, op, key string, err error) error {
	return &RepositoryError{
		RepoType: repoType,
		Kind:     ErrTransport,
		Msg:      fmt.Sprintf("%s %s: %v", op, key, err),
		Err:      err,
	}
}

// ReloadError is the single configuration error returned by SettingsProvider.Reload.
// Its message is the message of the underlying cause.
type ReloadError struct {
	Err error
}

func (e *ReloadError) Error() string {
	return e.Err.Error()
}

func (e *ReloadError) Unwrap() error {
	return e.Err
}
