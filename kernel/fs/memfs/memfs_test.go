package memfs

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"rvos/kernel/abi"
	"rvos/kernel/cpu"
	"rvos/kernel/fs"
	"rvos/kernel/sync"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// thread is a single-threaded Sleeper; nothing in these tests contends for a
// sleep lock, so Sleep is never reached.
type thread struct {
	t *testing.T
	c *cpu.CPU
}

func (th *thread) CPU() *cpu.CPU { return th.c }
func (th *thread) Pid() int      { return 1 }
func (th *thread) Sleep(ch interface{}, lk *sync.Spinlock) {
	th.t.Fatalf("unexpected sleep on %v", ch)
}
func (th *thread) Wakeup(ch interface{}) {}

func newFS(t *testing.T) (*FS, *thread) {
	t.Helper()
	f, err := New(1, 16)
	require.NoError(t, err)
	return f, &thread{t: t, c: cpu.New(0)}
}

func create(t *testing.T, f *FS, th *thread, path string, typ int16) *Inode {
	t.Helper()
	ip, err := f.Create(th, nil, path, typ, 0, 0)
	require.Nil(t, err, path)
	return ip.(*Inode)
}

func readAll(th *thread, ip fs.Inode) []byte {
	ip.Lock(th)
	defer ip.Unlock(th)
	buf := make([]byte, ip.Stat().Size)
	n, _ := ip.ReadAt(buf, 0)
	return buf[:n]
}

func TestCreateAndLookup(t *testing.T) {
	f, th := newFS(t)

	dir := create(t, f, th, "/bin", abi.TDir)
	dir.unlockPut(th)

	ip := create(t, f, th, "/bin/ls", abi.TFile)
	n, err := ip.WriteAt([]byte("hello"), 0)
	require.Nil(t, err)
	assert.Equal(t, 5, n)
	ip.unlockPut(th)

	t.Run("absolute", func(t *testing.T) {
		got, err := f.Namei(th, nil, "/bin/ls")
		require.Nil(t, err)
		assert.Equal(t, []byte("hello"), readAll(th, got))
		got.Put(th)
	})

	t.Run("relative to cwd", func(t *testing.T) {
		cwd, err := f.Namei(th, nil, "/bin")
		require.Nil(t, err)
		got, err := f.Namei(th, cwd, "ls")
		require.Nil(t, err)
		assert.Equal(t, ip.Inum(), got.Stat().Ino)
		got.Put(th)

		up, err := f.Namei(th, cwd, "../bin/./ls")
		require.Nil(t, err)
		assert.Equal(t, ip.Inum(), up.Stat().Ino)
		up.Put(th)
		cwd.Put(th)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := f.Namei(th, nil, "/bin/missing")
		assert.Equal(t, fs.ErrNotFound, err)

		_, err = f.Namei(th, nil, "/bin/ls/x")
		assert.Equal(t, fs.ErrNotDir, err)

		_, err = f.Create(th, nil, "/", abi.TDir, 0, 0)
		assert.Equal(t, fs.ErrBadName, err)

		_, err = f.Create(th, nil, "/bin", abi.TDir, 0, 0)
		assert.Equal(t, fs.ErrExists, err)
	})

	t.Run("create over an existing file", func(t *testing.T) {
		again, err := f.Create(th, nil, "/bin/ls", abi.TFile, 0, 0)
		require.Nil(t, err)
		assert.Equal(t, ip.Inum(), again.Stat().Ino)
		again.Unlock(th)
		again.Put(th)
	})

	root, err := f.Namei(th, nil, "/")
	require.Nil(t, err)
	st := root.Stat()
	assert.EqualValues(t, RootIno, st.Ino)
	assert.EqualValues(t, 2, st.Nlink, "root is linked from itself and from /bin/..")
	root.Put(th)
}

func TestDirectoryRead(t *testing.T) {
	f, th := newFS(t)
	create(t, f, th, "/a-very-long-file-name", abi.TFile).unlockPut(th)

	root := f.Root(th.c)
	defer root.Put(th)

	buf := readAll(th, root)
	require.Len(t, buf, 3*fs.DirentSize)

	var names []string
	for off := 0; off < len(buf); off += fs.DirentSize {
		de := buf[off : off+fs.DirentSize]
		assert.NotZero(t, binary.LittleEndian.Uint16(de))
		names = append(names, strings.TrimRight(string(de[2:]), "\x00"))
	}
	assert.Equal(t, []string{".", "..", "a-very-long-fi"}, names)
}

func TestLinkUnlink(t *testing.T) {
	f, th := newFS(t)
	ip := create(t, f, th, "/a", abi.TFile)
	inum := ip.Inum()
	ip.unlockPut(th)

	require.Nil(t, f.Link(th, nil, "/a", "/b"))
	b, err := f.Namei(th, nil, "/b")
	require.Nil(t, err)
	assert.Equal(t, inum, b.Stat().Ino)
	assert.EqualValues(t, 2, b.Stat().Nlink)
	b.Put(th)

	assert.Equal(t, fs.ErrExists, f.Link(th, nil, "/a", "/b"))
	assert.Equal(t, fs.ErrNotFound, f.Link(th, nil, "/nope", "/c"))

	create(t, f, th, "/d", abi.TDir).unlockPut(th)
	assert.Equal(t, fs.ErrCrossLink, f.Link(th, nil, "/d", "/e"))

	// Keep a reference to /a across both unlinks.
	held, err := f.Namei(th, nil, "/a")
	require.Nil(t, err)

	require.Nil(t, f.Unlink(th, nil, "/a"))
	_, err = f.Namei(th, nil, "/a")
	assert.Equal(t, fs.ErrNotFound, err, "the name cache must forget unlinked names")

	require.Nil(t, f.Unlink(th, nil, "/b"))
	assert.Contains(t, f.inodes, inum, "an open inode outlives its last link")
	held.Put(th)
	assert.NotContains(t, f.inodes, inum)
}

func TestUnlinkDirectories(t *testing.T) {
	f, th := newFS(t)
	create(t, f, th, "/d", abi.TDir).unlockPut(th)
	create(t, f, th, "/d/f", abi.TFile).unlockPut(th)

	assert.Equal(t, fs.ErrNotEmpty, f.Unlink(th, nil, "/d"))
	assert.Equal(t, fs.ErrBadName, f.Unlink(th, nil, "/d/."))
	assert.Equal(t, fs.ErrBadName, f.Unlink(th, nil, "/d/.."))

	require.Nil(t, f.Unlink(th, nil, "/d/f"))
	require.Nil(t, f.Unlink(th, nil, "/d"))

	root := f.Root(th.c)
	assert.EqualValues(t, 1, root.Stat().Nlink)
	root.Put(th)
	assert.Equal(t, 1, f.Inodes())
}

func TestNameCache(t *testing.T) {
	f, th := newFS(t)
	create(t, f, th, "/x", abi.TFile).unlockPut(th)
	assert.Equal(t, 1, f.CachedNames())

	hits, misses := f.CacheStats()
	for i := 0; i < 3; i++ {
		ip, err := f.Namei(th, nil, "/x")
		require.Nil(t, err)
		ip.Put(th)
	}
	assert.Equal(t, 1, f.CachedNames())
	gotHits, gotMisses := f.CacheStats()
	assert.Equal(t, hits+3, gotHits, "repeated lookups are served from the cache")
	assert.Equal(t, misses, gotMisses)

	require.Nil(t, f.Unlink(th, nil, "/x"))
	assert.Zero(t, f.CachedNames())

	create(t, f, th, "/x", abi.TFile).unlockPut(th)
	ip, err := f.Namei(th, nil, "/x")
	require.Nil(t, err)
	assert.EqualValues(t, 1, ip.Stat().Nlink)
	ip.Put(th)
}

func TestNameCacheStalePosition(t *testing.T) {
	f, th := newFS(t)
	create(t, f, th, "/x", abi.TFile).unlockPut(th)
	y := create(t, f, th, "/y", abi.TFile)
	inum := y.Inum()
	y.unlockPut(th)

	// Removing /x moves /y to an earlier slot of the root directory.
	require.Nil(t, f.Unlink(th, nil, "/x"))

	_, misses := f.CacheStats()
	ip, err := f.Namei(th, nil, "/y")
	require.Nil(t, err)
	assert.Equal(t, inum, ip.Stat().Ino)
	ip.Put(th)
	_, gotMisses := f.CacheStats()
	assert.Equal(t, misses+1, gotMisses, "a stale position falls back to a scan")

	hits, _ := f.CacheStats()
	ip, err = f.Namei(th, nil, "/y")
	require.Nil(t, err)
	ip.Put(th)
	gotHits, _ := f.CacheStats()
	assert.Equal(t, hits+1, gotHits)
}

func TestWriteLimits(t *testing.T) {
	f, th := newFS(t)
	ip := create(t, f, th, "/f", abi.TFile)
	defer ip.unlockPut(th)

	_, err := ip.WriteAt([]byte("x"), 2)
	assert.Equal(t, fs.ErrRange, err, "writes may not leave holes")

	_, err = ip.WriteAt(make([]byte, maxFileSize+1), 0)
	assert.Equal(t, errFileTooLarge, err)

	_, err = ip.WriteAt([]byte("abc"), 0)
	require.Nil(t, err)
	_, err = ip.ReadAt(make([]byte, 1), 4)
	assert.Equal(t, fs.ErrRange, err)

	ip.Truncate()
	assert.Zero(t, ip.Stat().Size)

	root := f.Root(th.c).(*Inode)
	root.Lock(th)
	_, err = root.WriteAt([]byte("x"), 0)
	assert.Equal(t, fs.ErrIsDir, err)
	root.unlockPut(th)
}

func TestUnlinkCorruptLinkCount(t *testing.T) {
	var calls []interface{}
	defer func(orig func(interface{})) { panicFn = orig }(panicFn)
	panicFn = func(e interface{}) { calls = append(calls, e) }

	f, th := newFS(t)
	ip := create(t, f, th, "/f", abi.TFile)
	ip.nlink = 0
	ip.Dup(th.c)
	ip.unlockPut(th)

	require.Nil(t, f.Unlink(th, nil, "/f"))
	assert.Equal(t, []interface{}{errLinkCount}, calls)
	ip.Put(th)
}

func TestBootHelpers(t *testing.T) {
	f, th := newFS(t)

	require.NoError(t, f.MkdirAll("/usr/share/doc"))
	require.NoError(t, f.MkdirAll("usr/share"), "existing directories are fine")
	require.NoError(t, f.WriteFile("/usr/share/doc/README", []byte("first")))
	require.NoError(t, f.WriteFile("/usr/share/doc/README", []byte("2nd")))
	require.NoError(t, f.Mknod("/console", 1, 0))

	assert.Equal(t, fs.ErrNotFound, f.WriteFile("/missing/file", nil))
	assert.Equal(t, fs.ErrExists, f.MkdirAll("/console"))

	ip, err := f.Namei(th, nil, "/usr/share/doc/README")
	require.Nil(t, err)
	assert.Equal(t, []byte("2nd"), readAll(th, ip))
	ip.Put(th)

	dev, err := f.Namei(th, nil, "/console")
	require.Nil(t, err)
	assert.EqualValues(t, abi.TDevice, dev.Type())
	assert.EqualValues(t, 1, dev.Major())
	dev.Put(th)

	usr, err := f.Namei(th, nil, "/usr")
	require.Nil(t, err)
	assert.EqualValues(t, 2, usr.Stat().Nlink)
	usr.Put(th)

	st, serr := f.Stat("/usr/share/doc/README")
	require.NoError(t, serr)
	assert.EqualValues(t, abi.TFile, st.Type)
	assert.EqualValues(t, 3, st.Size)
	_, serr = f.Stat("/usr/nope")
	assert.Equal(t, fs.ErrNotFound, serr)
	_, serr = f.Stat("/console/x")
	assert.Equal(t, fs.ErrNotDir, serr)
}

func TestPopulate(t *testing.T) {
	host := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(host, "etc", "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(host, "etc", "motd"), []byte("welcome\n"), 0o644))
	big := []byte(strings.Repeat("0123456789abcdef", 10000))
	require.NoError(t, os.WriteFile(filepath.Join(host, "big"), big, 0o644))

	f, th := newFS(t)
	require.NoError(t, f.Populate(host))

	specs := []struct {
		path string
		typ  int16
		data []byte
	}{
		{"/etc", abi.TDir, nil},
		{"/etc/empty", abi.TDir, nil},
		{"/etc/motd", abi.TFile, []byte("welcome\n")},
		{"/big", abi.TFile, big},
	}
	for _, spec := range specs {
		t.Run(spec.path, func(t *testing.T) {
			ip, err := f.Namei(th, nil, spec.path)
			require.Nil(t, err)
			defer ip.Put(th)
			assert.Equal(t, spec.typ, ip.Type())
			if spec.typ == abi.TFile {
				assert.Equal(t, spec.data, readAll(th, ip))
			}
		})
	}

	t.Run("file too large", func(t *testing.T) {
		host := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(host, "huge"), make([]byte, maxFileSize+1), 0o644))
		f, _ := newFS(t)
		assert.Equal(t, errFileTooLarge, f.Populate(host))
	})

	t.Run("missing host dir", func(t *testing.T) {
		f, _ := newFS(t)
		assert.Error(t, f.Populate(filepath.Join(host, "nope")))
	})
}

func TestFSInitLogsOnce(t *testing.T) {
	f, th := newFS(t)
	f.Init(th)
	f.Init(th)
	assert.True(t, f.inited.Load())
}
