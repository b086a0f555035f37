package assetcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveKeyStable(t *testing.T) {
	const uri = "https://cdn.example.com/photos/a.jpg"
	assert.Equal(t, deriveKey(uri), deriveKey(uri))
	assert.NotEqual(t, deriveKey(uri), deriveKey(uri+"?v=2"))
}

func TestDeriveKeyCarriesExtension(t *testing.T) {
	tests := []struct {
		uri string
		ext string
	}{
		{"https://cdn.example.com/a.jpg", ".jpg"},
		{"https://cdn.example.com/a.PNG", ".png"},
		{"https://cdn.example.com/a.webp?width=200", ".webp"},
		{"https://cdn.example.com/a.jpg#thumb", ".jpg"},
		{"https://cdn.example.com/noext", ".bin"},
		{"https://cdn.example.com/weird.reallylongextension", ".bin"},
	}
	for _, tt := range tests {
		key := deriveKey(tt.uri)
		assert.Equal(t, tt.ext, key[8:], "uri %s", tt.uri)
	}
}

func TestDeriveKeyHashIsHex(t *testing.T) {
	key := deriveKey("https://cdn.example.com/a.jpg")
	assert.Len(t, key[:8], 8)
	for _, ch := range key[:8] {
		assert.Contains(t, "0123456789abcdef", string(ch))
	}
}
