package flash

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esp32flasher/internal/ports"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "Instalacion terminada."},
		{ports.ErrNoPortsFound, "Error: No ports"},
		{ports.ErrNoSelectionMade, "Error: No port selected"},
		{fmt.Errorf("%w: COM5: busy", ports.ErrPortInaccessible), "Error: Port inaccessible"},
		{fmt.Errorf("%w: exit 2", ErrEraseFailed), "Error: Erase failed"},
		{fmt.Errorf("%w: exit 2", ErrWriteFailed), "Error: Write failed"},
		{Unexpected("boom"), "Error occurred"},
		{errors.New("anything else"), "Error occurred"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}

func TestSessionPhasesOnlyAdvance(t *testing.T) {
	s := &Session{}
	require.NoError(t, s.advance(PhasePortResolving))
	require.NoError(t, s.advance(PhasePortValidating))
	assert.Error(t, s.advance(PhasePortResolving))
	assert.Error(t, s.advance(PhasePortValidating))

	s.fail(ErrEraseFailed)
	assert.Equal(t, PhaseFailed, s.Phase())
	assert.Error(t, s.advance(PhaseDone))

	s.fail(ErrWriteFailed)
	assert.ErrorIs(t, s.Err(), ErrEraseFailed, "first failure is kept")
}

func TestUnexpectedError(t *testing.T) {
	err := Unexpected("firmware image not found: %s", "fw.bin")
	assert.ErrorIs(t, err, ErrUnexpected)
	assert.Equal(t, "firmware image not found: fw.bin", err.Error())
}

func TestSessionIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newID().String()
		require.False(t, seen[id])
		seen[id] = true
	}
}
