package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sekaitools/suitesync/models"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(map[models.Server]Keyset{
		models.ServerJP: {
			Key: []byte("0123456789abcdef0123456789abcdef"),
			IV:  []byte("fedcba9876543210"),
		},
		models.ServerEN: {
			Key: []byte("aaaabbbbccccddddeeeeffff00001111"),
			IV:  []byte("1111222233334444"),
		},
	})
	require.NoError(t, err)
	return c
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	c := testCodec(t)

	value := map[string]any{
		"userGamedata": map[string]any{
			"userId": int64(123456789),
			"name":   "tester",
		},
		"userFriends": []any{"friend-a", "friend-b"},
		"upload_time": int64(1700000000),
	}

	for _, server := range []models.Server{models.ServerJP, models.ServerEN} {
		packed, err := c.Pack(value, server)
		require.NoError(t, err)
		require.NotEmpty(t, packed)
		assert.Zero(t, len(packed)%aes.BlockSize)

		decoded, err := c.UnpackMap(packed, server)
		require.NoError(t, err)

		gamedata, ok := decoded["userGamedata"].(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 123456789, gamedata["userId"])
		assert.Equal(t, "tester", gamedata["name"])
		assert.EqualValues(t, 1700000000, decoded["upload_time"])

		friends, ok := decoded["userFriends"].([]any)
		require.True(t, ok)
		require.Len(t, friends, 2)
		assert.Equal(t, "friend-a", friends[0])
	}
}

func TestPad_Invariant(t *testing.T) {
	for n := 0; n <= 48; n++ {
		data := make([]byte, n)
		padded := pad(data)

		require.Zero(t, len(padded)%aes.BlockSize, "length %d", n)
		padLen := int(padded[len(padded)-1])
		require.GreaterOrEqual(t, padLen, 1, "length %d", n)
		require.LessOrEqual(t, padLen, aes.BlockSize, "length %d", n)
		assert.Equal(t, n+padLen, len(padded), "length %d", n)
		for i := len(padded) - padLen; i < len(padded); i++ {
			assert.Equal(t, byte(padLen), padded[i], "length %d index %d", n, i)
		}
	}

	// Aligned input still gets a full padding block.
	aligned := pad(make([]byte, aes.BlockSize))
	assert.Len(t, aligned, 2*aes.BlockSize)
	assert.Equal(t, byte(aes.BlockSize), aligned[len(aligned)-1])
}

func TestUnpack_KeyMismatchFails(t *testing.T) {
	c := testCodec(t)

	packed, err := c.Pack(map[string]any{"a": 1}, models.ServerJP)
	require.NoError(t, err)

	_, err = c.Unpack(packed, models.ServerEN)
	require.Error(t, err)
	var codecErr *Error
	assert.ErrorAs(t, err, &codecErr)
}

func TestUnpack_MalformedPadding(t *testing.T) {
	c := testCodec(t)
	key := []byte("0123456789abcdef0123456789abcdef")
	iv := []byte("fedcba9876543210")

	encrypt := func(plain []byte) []byte {
		block, err := aes.NewCipher(key)
		require.NoError(t, err)
		out := make([]byte, len(plain))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)
		return out
	}

	t.Run("pad length zero", func(t *testing.T) {
		plain := make([]byte, aes.BlockSize) // trailing 0x00
		_, err := c.Unpack(encrypt(plain), models.ServerJP)
		assert.ErrorIs(t, err, ErrBadPadding)
	})

	t.Run("pad length above block size", func(t *testing.T) {
		plain := make([]byte, aes.BlockSize)
		plain[len(plain)-1] = 0x20
		_, err := c.Unpack(encrypt(plain), models.ServerJP)
		assert.ErrorIs(t, err, ErrBadPadding)
	})

	t.Run("not block aligned", func(t *testing.T) {
		_, err := c.Unpack([]byte{0x01, 0x02, 0x03}, models.ServerJP)
		assert.ErrorIs(t, err, ErrNotBlockAligned)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := c.Unpack(nil, models.ServerJP)
		assert.ErrorIs(t, err, ErrNotBlockAligned)
	})
}

func TestUnpack_UnknownServer(t *testing.T) {
	c := testCodec(t)
	_, err := c.Pack(map[string]any{"a": 1}, models.ServerTW)
	assert.ErrorIs(t, err, ErrUnknownServer)

	_, err = c.Unpack(make([]byte, aes.BlockSize), models.ServerTW)
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestUnpackMap_RejectsNonMap(t *testing.T) {
	c := testCodec(t)
	packed, err := c.Pack([]any{"just", "a", "list"}, models.ServerJP)
	require.NoError(t, err)

	_, err = c.UnpackMap(packed, models.ServerJP)
	require.Error(t, err)
	var codecErr *Error
	assert.ErrorAs(t, err, &codecErr)
}
