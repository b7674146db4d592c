package sandbox

import (
	"archive/tar"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleFileTar(t *testing.T) {
	archive, err := singleFileTar("exec_abc.py", []byte("print('hi')"))
	require.NoError(t, err)

	tr := tar.NewReader(archive)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "exec_abc.py", hdr.Name)
	assert.EqualValues(t, len("print('hi')"), hdr.Size)

	body, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(body))

	_, err = tr.Next()
	assert.Equal(t, io.EOF, err)
}
