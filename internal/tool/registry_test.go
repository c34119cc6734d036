package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name       string
	tools      []Tool
	cleanupErr error
	cleaned    bool
}

func (p *stubProvider) Name() string  { return p.name }
func (p *stubProvider) Tools() []Tool { return p.tools }
func (p *stubProvider) Cleanup(_ context.Context) error {
	p.cleaned = true
	return p.cleanupErr
}

func echoTool(name string) Tool {
	return Tool{
		Name:       name,
		Parameters: Schema{Type: "object"},
		Handler: func(ctx context.Context, params map[string]any) (Result, error) {
			return Result{Success: true, Result: params}, nil
		},
	}
}

func TestRegistry_RegisterProvider_BuildsFlatIndex(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(&stubProvider{name: "fs", tools: []Tool{echoTool("read_file"), echoTool("write_file")}}))

	_, ok := r.lookup("read_file")
	assert.True(t, ok)
	_, ok = r.lookup("write_file")
	assert.True(t, ok)
	_, ok = r.lookup("missing_tool")
	assert.False(t, ok)
}

func TestRegistry_RegisterProvider_RejectsDuplicateProviderName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(&stubProvider{name: "fs"}))
	require.Error(t, r.RegisterProvider(&stubProvider{name: "fs"}))
}

func TestRegistry_RegisterProvider_RejectsDuplicateToolName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(&stubProvider{name: "fs-a", tools: []Tool{echoTool("read_file")}}))
	require.Error(t, r.RegisterProvider(&stubProvider{name: "fs-b", tools: []Tool{echoTool("read_file")}}))
}

func TestRegistry_Capabilities_FilesystemFlag(t *testing.T) {
	r := NewRegistry()
	caps := r.Capabilities()
	assert.False(t, caps.Filesystem)

	require.NoError(t, r.RegisterProvider(&stubProvider{name: "fs", tools: []Tool{echoTool("read_file")}}))
	caps = r.Capabilities()
	assert.True(t, caps.Filesystem)
	assert.Contains(t, caps.Tools, "read_file")
	assert.Contains(t, caps.Providers, "fs")
}

func TestRegistry_Capabilities_CursorFlag(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(&stubProvider{name: "edit", tools: []Tool{echoTool("apply_code_changes")}}))
	assert.True(t, r.Capabilities().Cursor)
}

func TestRegistry_Cleanup_CallsCleanupProviders(t *testing.T) {
	r := NewRegistry()
	p := &stubProvider{name: "fs", tools: []Tool{echoTool("read_file")}}
	require.NoError(t, r.RegisterProvider(p))
	r.Cleanup(context.Background())
	assert.True(t, p.cleaned)
}
