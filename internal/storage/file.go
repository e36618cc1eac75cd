package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
)

// readImage reads the whole file at path, refusing files larger than
// maxImageBytes before allocating for them.
func readImage(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, classify(err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, classify(err)
	}
	if info.Size() > maxImageBytes {
		return nil, fmt.Errorf("%w: image is %d bytes, limit %d", kverrors.ErrOutOfMemory, info.Size(), maxImageBytes)
	}
	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

// writeImage replaces the content of the existing file at path. The data is
// written to a temporary file in the same directory and renamed over the
// target, so readers never observe a partially written image. The target
// must already exist; its permissions are preserved.
func writeImage(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return classify(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return classify(err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return classify(err)
	}
	if err := tmp.Sync(); err != nil {
		return classify(err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		return classify(err)
	}
	if err := tmp.Close(); err != nil {
		return classify(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		committed = true
		return classify(err)
	}
	committed = true
	return nil
}

// fileSize reports the current size of the file at path.
func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, classify(err)
	}
	return info.Size(), nil
}
