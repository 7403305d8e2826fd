package serialization_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"marketdata/internal/serialization"
)

func TestByName(t *testing.T) {
	t.Parallel()

	c, err := serialization.ByName("")
	require.NoError(t, err)
	require.Equal(t, serialization.JSONType, c.Type)

	c, err = serialization.ByName("gob")
	require.NoError(t, err)
	require.Equal(t, serialization.GobType, c.Type)

	_, err = serialization.ByName("xml")
	require.Error(t, err)
}

type snapshot struct {
	Name  string
	Price float64
}

func TestCodecs_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, codec := range []serialization.Codec{serialization.JSON, serialization.Gob} {
		t.Run(codec.Type, func(t *testing.T) {
			t.Parallel()

			// Arrange
			in := snapshot{Name: "AT&T <T>", Price: 17.25}

			// Act
			data, err := codec.Marshal(in)
			require.NoError(t, err)
			var out snapshot
			require.NoError(t, codec.Unmarshal(data, &out))

			// Assert
			require.Equal(t, in, out)
		})
	}
}

func TestJSON_DoesNotEscapeHTML(t *testing.T) {
	t.Parallel()

	data, err := serialization.JSON.Marshal(snapshot{Name: "AT&T"})
	require.NoError(t, err)
	require.Contains(t, string(data), "AT&T")
}
