package storage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/gxo-labs/kvsettings/internal/wire"
	v1 "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1"
	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
)

const textHeader = "# kvsettings text storage: key=kind:value\n"

// TextBackend stores one setting per line as "key=kind:value". Files are
// meant to be edited by hand, so there is no checksum; instead every line
// is parsed strictly and any malformed line rejects the whole file.
type TextBackend struct {
	path   string
	layout wire.Layout
}

// NewText creates a text backend bound to path.
func NewText(path string, layout wire.Layout) *TextBackend {
	return &TextBackend{path: path, layout: layout}
}

func (t *TextBackend) Kind() v1.StorageKind { return v1.StorageText }
func (t *TextBackend) Path() string         { return t.path }

// Load parses the file. Blank lines and lines starting with '#' are ignored.
func (t *TextBackend) Load(ctx context.Context) ([]setting.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := readImage(t.path)
	if err != nil {
		return nil, kverrors.NewStorageError(t.Kind().String(), t.path, "load", err)
	}

	var records []setting.Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), bufio.MaxScanTokenSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := t.parseLine(line)
		if err != nil {
			return nil, kverrors.NewStorageError(t.Kind().String(), t.path, "load",
				fmt.Errorf("%w: line %d: %v", kverrors.ErrCorrupt, lineNo, err))
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, kverrors.NewStorageError(t.Kind().String(), t.path, "load",
			fmt.Errorf("%w: line %d: %v", kverrors.ErrCorrupt, lineNo+1, err))
	}
	return records, nil
}

func (t *TextBackend) parseLine(line string) (setting.Record, error) {
	key, rest, ok := strings.Cut(line, "=")
	if !ok {
		return setting.Record{}, fmt.Errorf("missing '=' separator")
	}
	kindName, text, ok := strings.Cut(rest, ":")
	if !ok {
		return setting.Record{}, fmt.Errorf("missing ':' after kind")
	}
	kind, err := setting.ParseKind(kindName)
	if err != nil {
		return setting.Record{}, err
	}
	val, err := setting.ParseValue(kind, text)
	if err != nil {
		return setting.Record{}, err
	}
	rec := setting.Record{Key: key, Value: val}
	if err := t.layout.Validate(rec); err != nil {
		return setting.Record{}, err
	}
	return rec, nil
}

// Save rewrites the file with one line per record.
func (t *TextBackend) Save(ctx context.Context, records []setting.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString(textHeader)
	for _, rec := range records {
		if err := t.layout.Validate(rec); err != nil {
			return kverrors.NewStorageError(t.Kind().String(), t.path, "save", err)
		}
		fmt.Fprintf(&buf, "%s=%s:%s\n", rec.Key, rec.Kind(), rec.Value)
	}
	if err := writeImage(t.path, buf.Bytes()); err != nil {
		return kverrors.NewStorageError(t.Kind().String(), t.path, "save", err)
	}
	return nil
}

// UsedSize reports the size of the text file.
func (t *TextBackend) UsedSize() (int64, error) {
	size, err := fileSize(t.path)
	if err != nil {
		return 0, kverrors.NewStorageError(t.Kind().String(), t.path, "stat", err)
	}
	return size, nil
}

var _ Backend = (*TextBackend)(nil)
