package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-sh/aide/pkg/schema"
)

// stubTool is a minimal Tool for registry tests.
type stubTool struct {
	name string
	desc string
}

func (s *stubTool) Name() string { return s.name }
func (s *stubTool) Schema() ToolSchema {
	return ToolSchema{Description: s.desc}
}
func (s *stubTool) Execute(_ context.Context, _ map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubTool{name: "email.send", desc: "Send an email"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("email.send"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTool{name: "dup"}))

	err := reg.Register(&stubTool{name: "dup"})
	require.Error(t, err)

	var aideErr *schema.AideError
	require.True(t, errors.As(err, &aideErr))
	assert.Equal(t, schema.ErrCodeConflict, aideErr.Code)
}

func TestRegistry_Register_Nil(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(nil)
	require.Error(t, err)

	var aideErr *schema.AideError
	require.True(t, errors.As(err, &aideErr))
	assert.Equal(t, schema.ErrCodeValidation, aideErr.Code)
}

func TestRegistry_Register_EmptyName(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubTool{name: ""})
	require.Error(t, err)

	var aideErr *schema.AideError
	require.True(t, errors.As(err, &aideErr))
	assert.Equal(t, schema.ErrCodeValidation, aideErr.Code)
}

func TestRegistry_Get_Success(t *testing.T) {
	reg := NewRegistry()
	original := &stubTool{name: "calendar.search"}
	require.NoError(t, reg.Register(original))

	got, err := reg.Get("calendar.search")
	require.NoError(t, err)
	assert.Equal(t, "calendar.search", got.Name())
}

func TestRegistry_Get_NotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("missing")
	require.Error(t, err)

	var aideErr *schema.AideError
	require.True(t, errors.As(err, &aideErr))
	assert.Equal(t, schema.ErrCodeToolUnavailable, aideErr.Code)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTool{name: "z.tool", desc: "last"}))
	require.NoError(t, reg.Register(&stubTool{name: "a.tool", desc: "first"}))
	require.NoError(t, reg.Register(&stubTool{name: "m.tool", desc: "middle"}))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a.tool", infos[0].Name)
	assert.Equal(t, "first", infos[0].Description)
	assert.Equal(t, "m.tool", infos[1].Name)
	assert.Equal(t, "z.tool", infos[2].Name)
}

func TestRegistry_RegisterProvider(t *testing.T) {
	reg := NewRegistry()
	providerTools := []Tool{
		&stubTool{name: "send", desc: "Send an email"},
		&stubTool{name: "search", desc: "Search the mailbox"},
	}

	n, err := reg.RegisterProvider("email", providerTools)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, reg.Count())
	assert.True(t, reg.Has("email.send"))
	assert.True(t, reg.Has("email.search"))

	got, err := reg.Get("email.send")
	require.NoError(t, err)
	assert.Equal(t, "email.send", got.Name())
}

func TestRegistry_RegisterProvider_EmptyPrefix(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterProvider("", nil)
	require.Error(t, err)

	var aideErr *schema.AideError
	require.True(t, errors.As(err, &aideErr))
	assert.Equal(t, schema.ErrCodeValidation, aideErr.Code)
}

func TestRegistry_RegisterProvider_Conflict(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTool{name: "email.send"}))

	_, err := reg.RegisterProvider("email", []Tool{
		&stubTool{name: "send"},
	})
	require.Error(t, err)

	var aideErr *schema.AideError
	require.True(t, errors.As(err, &aideErr))
	assert.Equal(t, schema.ErrCodeConflict, aideErr.Code)
}

func TestRegistry_UnregisterProvider(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterProvider("email", []Tool{
		&stubTool{name: "send"},
		&stubTool{name: "search"},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register(&stubTool{name: "emailer"}))

	removed := reg.UnregisterProvider("email")
	assert.Equal(t, 2, removed)
	assert.False(t, reg.Has("email.send"))
	// Non-prefixed names sharing the prefix text survive.
	assert.True(t, reg.Has("emailer"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 3)

	// Concurrent registers.
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			name := "concurrent." + string(rune('a'+i%26)) + string(rune('0'+i/26))
			_ = reg.Register(&stubTool{name: name})
		}(i)
	}

	// Concurrent gets.
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = reg.Get("concurrent.a0")
		}()
	}

	// Concurrent lists.
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = reg.List()
		}()
	}

	wg.Wait()
	assert.True(t, reg.Count() > 0)
}
