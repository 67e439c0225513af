package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutObjectReturnsURI(t *testing.T) {
	s := NewStore("mem://captures")

	uri, err := s.PutObject(context.Background(), "captures/vendor/abc.html", "text/html", []byte("<html/>"))
	require.NoError(t, err)
	assert.Equal(t, "mem://captures/captures/vendor/abc.html", uri)
	assert.Equal(t, []byte("<html/>"), s.Objects()["captures/vendor/abc.html"])
}

func TestPutObjectCopiesData(t *testing.T) {
	s := NewStore("")
	data := []byte("original")
	_, err := s.PutObject(context.Background(), "p", "", data)
	require.NoError(t, err)

	data[0] = 'X'
	assert.Equal(t, []byte("original"), s.Objects()["p"])
}

func TestPutObjectRejectsEmptyPath(t *testing.T) {
	s := NewStore("")
	_, err := s.PutObject(context.Background(), "  ", "", []byte("x"))
	assert.Error(t, err)
}
