package manual

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmitTrimsText(t *testing.T) {
	got, err := Handler{}.Submit("  Meeting notes typed by hand \n")
	require.NoError(t, err)
	require.Equal(t, "Meeting notes typed by hand", got)
}

func TestSubmitRejectsBlankInput(t *testing.T) {
	for _, input := range []string{"", "   ", "\n\t"} {
		_, err := Handler{}.Submit(input)
		require.ErrorIs(t, err, ErrEmptyInput)

		var empty *EmptyInputError
		require.True(t, errors.As(err, &empty))
		require.NotEmpty(t, empty.Reason)
	}
}
