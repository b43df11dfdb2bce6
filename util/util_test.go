package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "probe")

	assert.False(t, Exists(filePath))

	file, err := os.OpenFile(filePath, os.O_RDONLY|os.O_CREATE, 0666)
	assert.Nil(t, err)
	file.Close()
	assert.True(t, Exists(filePath))
}

func TestIsDir(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, IsDir(dir))

	filePath := filepath.Join(dir, "probe")
	file, err := os.OpenFile(filePath, os.O_RDONLY|os.O_CREATE, 0666)
	assert.Nil(t, err)
	file.Close()
	assert.False(t, IsDir(filePath))
	assert.False(t, IsDir(filepath.Join(dir, "missing")))
}

func TestMinMax(t *testing.T) {
	large := 100
	small := -100
	assert.Equal(t, large, Max(large, small))
	assert.Equal(t, large, Max(small, large))
	assert.Equal(t, small, Min(large, small))
	assert.Equal(t, small, Min(small, large))
}

func TestStringInSlice(t *testing.T) {
	list := []string{"tcp", "udp"}
	assert.True(t, StringInSlice("tcp", list))
	assert.False(t, StringInSlice("icmp", list))
}
