package media

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

func testMediaKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestDeriveKeys(t *testing.T) {
	keys, err := DeriveKeys(testMediaKey(), wamsg.MediaImage)
	require.NoError(t, err)
	assert.Len(t, keys.IV, 16)
	assert.Len(t, keys.CipherKey, 32)
	assert.Len(t, keys.MACKey, 32)

	sticker, err := DeriveKeys(testMediaKey(), wamsg.MediaSticker)
	require.NoError(t, err)
	assert.Equal(t, keys, sticker)

	video, err := DeriveKeys(testMediaKey(), wamsg.MediaVideo)
	require.NoError(t, err)
	assert.NotEqual(t, keys.CipherKey, video.CipherKey)
}

func TestDeriveKeysRejectsBadInput(t *testing.T) {
	_, err := DeriveKeys([]byte{1, 2, 3}, wamsg.MediaImage)
	assert.ErrorIs(t, err, ErrInvalidMediaKey)

	_, err = DeriveKeys(testMediaKey(), "hologram")
	assert.ErrorIs(t, err, ErrInvalidMediaKey)
}

func TestEncryptDecrypt(t *testing.T) {
	keys, err := DeriveKeys(testMediaKey(), wamsg.MediaAudio)
	require.NoError(t, err)

	for _, size := range []int{0, 1, 15, 16, 17, 1000} {
		plaintext := bytes.Repeat([]byte{'a'}, size)
		encrypted, err := Encrypt(plaintext, keys)
		require.NoError(t, err)
		decrypted, err := Decrypt(encrypted, keys)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted, "size %d", size)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	keys, err := DeriveKeys(testMediaKey(), wamsg.MediaImage)
	require.NoError(t, err)
	encrypted, err := Encrypt([]byte("hello there"), keys)
	require.NoError(t, err)

	tampered := bytes.Clone(encrypted)
	tampered[0] ^= 0xff
	_, err = Decrypt(tampered, keys)
	assert.ErrorIs(t, err, ErrMACMismatch)

	_, err = Decrypt(encrypted[:8], keys)
	assert.ErrorIs(t, err, ErrTruncated)

	other, err := DeriveKeys(testMediaKey(), wamsg.MediaVideo)
	require.NoError(t, err)
	_, err = Decrypt(encrypted, other)
	assert.ErrorIs(t, err, ErrMACMismatch)
}

func TestVerifyHashes(t *testing.T) {
	enc, plain := []byte("enc"), []byte("plain")
	encSum, plainSum := sha256.Sum256(enc), sha256.Sum256(plain)

	assert.NoError(t, verifyHashes(&wamsg.MediaRef{}, enc, plain))
	assert.NoError(t, verifyHashes(&wamsg.MediaRef{FileEncSHA256: encSum[:], FileSHA256: plainSum[:]}, enc, plain))
	assert.ErrorIs(t, verifyHashes(&wamsg.MediaRef{FileSHA256: encSum[:]}, enc, plain), ErrHashMismatch)
}
