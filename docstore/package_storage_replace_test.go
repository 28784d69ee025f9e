package docstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/viant/afs"
	"github.com/viant/afs/storage"
)

var errInterrupted = errors.New("interrupted")

// interruptedFs fails the first operation that `interrupt` matches
type interruptedFs struct {
	afs.Service
	interrupt   func(op string, url string) bool
	interrupted bool
}

func (self *interruptedFs) fail(op string, url string) bool {
	if self.interrupted || !self.interrupt(op, url) {
		return false
	}
	self.interrupted = true
	return true
}

func (self *interruptedFs) Upload(ctx context.Context, url string, mode os.FileMode, reader io.Reader, options ...storage.Option) error {
	if self.fail("upload", url) {
		return errInterrupted
	}
	return self.Service.Upload(ctx, url, mode, reader, options...)
}

func (self *interruptedFs) Move(ctx context.Context, sourceURL string, destURL string, options ...storage.Option) error {
	if self.fail("move", sourceURL) {
		return errInterrupted
	}
	return self.Service.Move(ctx, sourceURL, destURL, options...)
}

func (self *interruptedFs) Delete(ctx context.Context, url string, options ...storage.Option) error {
	if self.fail("delete", url) {
		return errInterrupted
	}
	return self.Service.Delete(ctx, url, options...)
}

func TestPackageStorageInterruptedReplace(t *testing.T) {
	type interruption struct {
		name      string
		interrupt func(op string, url string) bool
		// whether the compacted package is on disk after recovery
		compacted bool
	}
	interruptions := []interruption{
		{
			name: "staging upload",
			interrupt: func(op string, url string) bool {
				return op == "upload" && strings.Contains(url, ".staging")
			},
			compacted: false,
		},
		{
			name: "move aside",
			interrupt: func(op string, url string) bool {
				return op == "move" && strings.HasSuffix(url, "/notes.count")
			},
			compacted: false,
		},
		{
			name: "move staging into place",
			interrupt: func(op string, url string) bool {
				return op == "move" && strings.Contains(url, ".staging")
			},
			compacted: true,
		},
		{
			name: "delete replaced",
			interrupt: func(op string, url string) bool {
				return op == "delete" && strings.Contains(url, ".replaced")
			},
			compacted: true,
		},
	}

	for _, interruption := range interruptions {
		t.Run(interruption.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			dir := t.TempDir()
			location := filepath.Join(dir, "notes.count")
			packageStorage := NewPackageStorage()

			countStore := newTestCountStore(t, ctx)
			defer countStore.Close()
			for i := 0; i < 3; i += 1 {
				_, err := countStore.Increment(2)
				assert.Equal(t, nil, err)
				pkg, err := countStore.Store().Flush()
				assert.Equal(t, nil, err)
				assert.Equal(t, nil, packageStorage.Write(ctx, location, pkg))
			}

			compacted, err := countStore.Store().Compact()
			assert.Equal(t, nil, err)
			fs := &interruptedFs{
				Service:   afs.New(),
				interrupt: interruption.interrupt,
			}
			err = NewPackageStorageWithService(fs).Write(ctx, location, compacted)
			assert.Equal(t, true, fs.interrupted)
			assert.Equal(t, true, errors.Is(err, errInterrupted))

			read, err := packageStorage.Read(ctx, location)
			assert.Equal(t, nil, err)
			parsed, err := ParsePackage(read)
			assert.Equal(t, nil, err)
			assert.Equal(t, 1, parsed.Snapshots.Len())
			if interruption.compacted {
				assert.Equal(t, 0, parsed.Incrementals.Len())
			} else {
				assert.Equal(t, 3, parsed.Incrementals.Len())
			}
			reloaded := loadTestCountStore(t, ctx, read)
			defer reloaded.Close()
			assert.Equal(t, int64(6), requireCount(t, reloaded))

			// staging leftovers are cleaned up
			assert.Equal(t, []string{"notes.count"}, readDirNames(t, dir))

			// the next write completes normally
			assert.Equal(t, nil, packageStorage.Write(ctx, location, compacted))
			read, err = packageStorage.Read(ctx, location)
			assert.Equal(t, nil, err)
			assert.Equal(t, compacted.String(), read.String())
		})
	}
}
