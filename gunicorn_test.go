package gunicorn

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopApp struct{}

func (nopApp) Init(context.Context, map[string]any) error { return nil }
func (nopApp) Call(_ context.Context, action string, _ Args) (any, error) {
	return action, nil
}
func (nopApp) Close() error { return nil }

func TestRegisterAppVisible(t *testing.T) {
	RegisterApp("facade-nop", func() App { return nopApp{} })
	assert.Contains(t, Apps(), "facade-nop")
	assert.Panics(t, func() { RegisterApp("facade-nop", func() App { return nopApp{} }) })
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "g.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 3\n"), 0o600))
	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Workers)
	assert.Equal(t, DefaultConfig().Tick, c.Tick)

	require.NoError(t, os.WriteFile(path, []byte("workers: 0\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(context.Background(), filepath.Join(t.TempDir(), "none.ctl"))
	assert.Error(t, err)
}

func TestDirtyClientUnavailable(t *testing.T) {
	c := NewDirtyClient(filepath.Join(t.TempDir(), "none.sock"))
	_, err := c.Call(context.Background(), "facade-nop", "x", Args{})
	var de *DirtyError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "unavailable", de.Code)
}
