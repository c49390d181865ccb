package native

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome_String(t *testing.T) {
	for outcome, want := range map[Outcome]string{
		NoEvent:       "NoEvent",
		EventConsumed: "EventConsumed",
		FatalError:    "FatalError",
		Outcome(7):    "Outcome(7)",
	} {
		assert.Equal(t, want, outcome.String())
	}
}

func TestNormalize(t *testing.T) {
	cause := errors.New("cause")

	for _, tc := range [...]struct {
		name    string
		outcome Outcome
		err     error
		want    Outcome
		target  error
	}{
		{name: "no event", outcome: NoEvent, want: NoEvent},
		{name: "consumed", outcome: EventConsumed, want: EventConsumed},
		{name: "fatal with cause", outcome: FatalError, err: cause, want: FatalError, target: cause},
		{name: "fatal without cause", outcome: FatalError, want: FatalError, target: ErrPollFailed},
		{name: "error overrides outcome", outcome: EventConsumed, err: cause, want: FatalError, target: cause},
		{name: "unknown", outcome: Outcome(-1), want: FatalError, target: ErrUnknownOutcome},
	} {
		t.Run(tc.name, func(t *testing.T) {
			outcome, err := Normalize(tc.outcome, tc.err)
			assert.Equal(t, tc.want, outcome)
			if tc.target == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.target)
			}
		})
	}
}

type stubSource struct{}

func (stubSource) CreateContext(context.Context) (*Context, error) {
	return NewContext(1, nil), nil
}

func (stubSource) PollOnce(context.Context, *Context) (Outcome, error) {
	return NoEvent, nil
}

func TestStatic(t *testing.T) {
	src, err := Static(stubSource{}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stubSource{}, src)

	src, err = Static(nil).Load(context.Background())
	assert.Nil(t, src)
	assert.ErrorIs(t, err, ErrLoad)
}

func TestNewContext(t *testing.T) {
	a := NewContext(42, "value")
	b := NewContext(42, nil)

	assert.Equal(t, uint64(42), a.Handle())
	assert.Equal(t, "value", a.Value())
	assert.Nil(t, b.Value())
	assert.NotEqual(t, a.ID(), b.ID())
}
