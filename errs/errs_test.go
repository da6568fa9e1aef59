package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIs(t *testing.T) {
	err := NotFoundf("encoding.findByCKey", "cKey %x not present", []byte{0xab})
	require.True(t, errors.Is(err, ErrNotFound))
	require.False(t, errors.Is(err, ErrCorrupt))
	require.True(t, Is(err, NotFound))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New("archiveindex.lookup", Corrupt, cause)
	require.ErrorIs(t, err, cause)
}
