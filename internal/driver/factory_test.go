package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pondworks/heron/internal/workflow"
)

func staticBuilder(name string, caps []string) Builder {
	return func(ctx context.Context) (workflow.Driver, error) {
		return NewStatic(name, caps, "ok"), nil
	}
}

func TestAcquireRequiresAllCapabilities(t *testing.T) {
	f := NewFactory(zaptest.NewLogger(t))
	require.NoError(t, f.Register("text-only", []string{"text"}, true, staticBuilder("text-only", []string{"text"})))

	_, err := f.Acquire(context.Background(), []string{"text", "vision"}, nil)
	assert.ErrorIs(t, err, ErrNoDriver)

	d, err := f.Acquire(context.Background(), []string{"text"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "text-only", d.Name())
}

func TestAcquirePrefersMostPreferredCapabilities(t *testing.T) {
	f := NewFactory(zaptest.NewLogger(t))
	require.NoError(t, f.Register("basic", []string{"text"}, true, staticBuilder("basic", []string{"text"})))
	require.NoError(t, f.Register("rich", []string{"text", "vision", "tools"}, true, staticBuilder("rich", []string{"text", "vision", "tools"})))

	d, err := f.Acquire(context.Background(), []string{"text"}, []string{"vision", "tools"})
	require.NoError(t, err)
	assert.Equal(t, "rich", d.Name())
}

func TestAcquireTieGoesToEarlierRegistration(t *testing.T) {
	f := NewFactory(zaptest.NewLogger(t))
	require.NoError(t, f.Register("first", []string{"text"}, true, staticBuilder("first", []string{"text"})))
	require.NoError(t, f.Register("second", []string{"text"}, true, staticBuilder("second", []string{"text"})))

	d, err := f.Acquire(context.Background(), []string{"text"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", d.Name())
}

func TestAcquireReusableCachesInstance(t *testing.T) {
	f := NewFactory(zaptest.NewLogger(t))
	builds := 0
	require.NoError(t, f.Register("counted", []string{"text"}, true, func(ctx context.Context) (workflow.Driver, error) {
		builds++
		return NewStatic("counted", []string{"text"}, "ok"), nil
	}))

	a, err := f.Acquire(context.Background(), []string{"text"}, nil)
	require.NoError(t, err)
	b, err := f.Acquire(context.Background(), []string{"text"}, nil)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, builds)
}

func TestAcquireDisposableBuildsFreshInstances(t *testing.T) {
	f := NewFactory(zaptest.NewLogger(t))
	builds := 0
	require.NoError(t, f.Register("disposable", []string{"text"}, false, func(ctx context.Context) (workflow.Driver, error) {
		builds++
		return NewStatic("disposable", []string{"text"}, "ok"), nil
	}))

	a, err := f.Acquire(context.Background(), []string{"text"}, nil)
	require.NoError(t, err)
	b, err := f.Acquire(context.Background(), []string{"text"}, nil)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, builds)
}

func TestAcquireSurfacesBuildError(t *testing.T) {
	f := NewFactory(zaptest.NewLogger(t))
	boom := errors.New("dial failed")
	require.NoError(t, f.Register("broken", []string{"text"}, false, func(ctx context.Context) (workflow.Driver, error) {
		return nil, boom
	}))

	_, err := f.Acquire(context.Background(), []string{"text"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestRegisterDuplicateName(t *testing.T) {
	f := NewFactory(zaptest.NewLogger(t))
	require.NoError(t, f.Register("dup", []string{"text"}, true, staticBuilder("dup", []string{"text"})))
	assert.Error(t, f.Register("dup", []string{"text"}, true, staticBuilder("dup", []string{"text"})))
}
