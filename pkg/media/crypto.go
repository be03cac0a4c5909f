package media

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

const (
	mediaKeyLength     = 32
	expandedKeyLength  = 112
	macLength          = 10
	ivLength           = aes.BlockSize
	cipherKeyLength    = 32
	macKeyLength       = 32
	minEncryptedLength = aes.BlockSize + macLength
)

var (
	ErrInvalidMediaKey = errors.New("invalid media key")
	ErrMACMismatch     = errors.New("media MAC mismatch")
	ErrHashMismatch    = errors.New("media hash mismatch")
	ErrInvalidPadding  = errors.New("invalid media padding")
	ErrTruncated       = errors.New("encrypted media too short")
)

// Keys is the expanded key material of one media file.
type Keys struct {
	IV        []byte
	CipherKey []byte
	MACKey    []byte
}

// infoFor returns the HKDF info string for a media kind. Stickers are
// encrypted with image keys.
func infoFor(kind wamsg.MediaKind) ([]byte, error) {
	switch kind {
	case wamsg.MediaImage, wamsg.MediaSticker:
		return []byte("WhatsApp Image Keys"), nil
	case wamsg.MediaVideo:
		return []byte("WhatsApp Video Keys"), nil
	case wamsg.MediaAudio:
		return []byte("WhatsApp Audio Keys"), nil
	case wamsg.MediaDocument:
		return []byte("WhatsApp Document Keys"), nil
	default:
		return nil, fmt.Errorf("%w: unknown media kind %q", ErrInvalidMediaKey, kind)
	}
}

// DeriveKeys expands a media key with HKDF-SHA256 into the IV, AES key and
// MAC key used for the file.
func DeriveKeys(mediaKey []byte, kind wamsg.MediaKind) (*Keys, error) {
	if len(mediaKey) != mediaKeyLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidMediaKey, mediaKeyLength, len(mediaKey))
	}
	info, err := infoFor(kind)
	if err != nil {
		return nil, err
	}
	expanded := make([]byte, expandedKeyLength)
	if _, err = io.ReadFull(hkdf.New(sha256.New, mediaKey, nil, info), expanded); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return &Keys{
		IV:        expanded[:ivLength],
		CipherKey: expanded[ivLength : ivLength+cipherKeyLength],
		MACKey:    expanded[ivLength+cipherKeyLength : ivLength+cipherKeyLength+macKeyLength],
	}, nil
}

func (k *Keys) mac(ciphertext []byte) []byte {
	h := hmac.New(sha256.New, k.MACKey)
	h.Write(k.IV)
	h.Write(ciphertext)
	return h.Sum(nil)[:macLength]
}

// Decrypt verifies the trailing MAC of an encrypted media file and returns
// the plaintext.
func Decrypt(data []byte, keys *Keys) ([]byte, error) {
	if len(data) < minEncryptedLength {
		return nil, ErrTruncated
	}
	ciphertext, mac := data[:len(data)-macLength], data[len(data)-macLength:]
	if !hmac.Equal(keys.mac(ciphertext), mac) {
		return nil, ErrMACMismatch
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrInvalidPadding)
	}
	block, err := aes.NewCipher(keys.CipherKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, keys.IV).CryptBlocks(plaintext, ciphertext)
	return unpad(plaintext)
}

// Encrypt is the inverse of Decrypt: AES-256-CBC with PKCS#7 padding
// followed by the truncated MAC.
func Encrypt(plaintext []byte, keys *Keys) ([]byte, error) {
	block, err := aes.NewCipher(keys.CipherKey)
	if err != nil {
		return nil, err
	}
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext), len(plaintext)+padLen)
	copy(padded, plaintext)
	padded = append(padded, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	ciphertext := make([]byte, len(padded), len(padded)+macLength)
	cipher.NewCBCEncrypter(block, keys.IV).CryptBlocks(ciphertext, padded)
	return append(ciphertext, keys.mac(ciphertext)...), nil
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	if !bytes.Equal(data[len(data)-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, ErrInvalidPadding
	}
	return data[:len(data)-padLen], nil
}

// verifyHashes checks the optional file hashes carried by the reference.
func verifyHashes(ref *wamsg.MediaRef, encrypted, plaintext []byte) error {
	if len(ref.FileEncSHA256) > 0 {
		sum := sha256.Sum256(encrypted)
		if !bytes.Equal(sum[:], ref.FileEncSHA256) {
			return fmt.Errorf("%w: encrypted file", ErrHashMismatch)
		}
	}
	if len(ref.FileSHA256) > 0 {
		sum := sha256.Sum256(plaintext)
		if !bytes.Equal(sum[:], ref.FileSHA256) {
			return fmt.Errorf("%w: decrypted file", ErrHashMismatch)
		}
	}
	return nil
}
